package browser

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"viewonly-guard/internal/dom"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"github.com/ysmood/gson"
)

// reportBinding is the window function blocked-input reports are sent to.
const reportBinding = "__viewOnlyReport"

const callJS = `(op, args) => {
	const api = ` + runtimeJS + `;
	return api[op].apply(api, args);
}`

type pageNode struct{ ref string }

func (n pageNode) Ref() string { return n.ref }

// callResult is the envelope every runtime operation returns.
type callResult struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error"`
	Refs    []string `json:"refs"`
	Value   string   `json:"value"`
	Present bool     `json:"present"`
	Hit     bool     `json:"hit"`
}

// PageDocument is a dom.Document backed by a live page. Each operation is
// one Runtime.evaluate; listeners run in the page and report suppressed
// events back through an exposed binding.
type PageDocument struct {
	page    *rod.Page
	timeout time.Duration

	mu        sync.Mutex
	reporters map[string]func(dom.Blocked)
	stop      func() error
}

// NewPageDocument wraps page. timeout bounds every page call.
func NewPageDocument(page *rod.Page, timeout time.Duration) (*PageDocument, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &PageDocument{
		page:      page,
		timeout:   timeout,
		reporters: make(map[string]func(dom.Blocked)),
	}
	stop, err := page.Expose(reportBinding, d.onReport)
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", reportBinding, err)
	}
	d.stop = stop
	return d, nil
}

// Close removes the report binding.
func (d *PageDocument) Close() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}

func (d *PageDocument) onReport(payload gson.JSON) (interface{}, error) {
	d.mu.Lock()
	report := d.reporters[payload.Get("listener").Str()]
	d.mu.Unlock()
	if report != nil {
		report(blockedFromPayload(payload))
	}
	return nil, nil
}

func blockedFromPayload(payload gson.JSON) dom.Blocked {
	return dom.Blocked{
		Kind:      payload.Get("kind").Str(),
		EventType: payload.Get("type").Str(),
		Key:       payload.Get("key").Str(),
		Reason:    payload.Get("reason").Str(),
	}
}

func (d *PageDocument) call(op string, args ...interface{}) (callResult, error) {
	if args == nil {
		args = []interface{}{}
	}
	res, err := d.page.Timeout(d.timeout).Evaluate(&rod.EvalOptions{
		JS:      callJS,
		JSArgs:  []interface{}{op, args},
		ByValue: true,
	})
	if err != nil {
		return callResult{}, fmt.Errorf("%s: %w", op, err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return callResult{}, fmt.Errorf("%s: encode result: %w", op, err)
	}
	return decodeResult(op, raw)
}

func decodeResult(op string, raw []byte) (callResult, error) {
	var out callResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return callResult{}, fmt.Errorf("%s: decode result: %w", op, err)
	}
	switch out.Error {
	case "":
		if !out.OK {
			return out, fmt.Errorf("%s: malformed result %s", op, raw)
		}
		return out, nil
	case "no-root":
		return out, dom.ErrNoRoot
	case "detached":
		return out, dom.ErrDetached
	case "unknown-listener":
		return out, dom.ErrUnknownListener
	default:
		return out, fmt.Errorf("%s: %s", op, out.Error)
	}
}

func (d *PageDocument) InsertStyle(id, css string) error {
	_, err := d.call("insertStyle", id, css)
	return err
}

func (d *PageDocument) RemoveStyle(id string) error {
	_, err := d.call("removeStyle", id)
	return err
}

func (d *PageDocument) AddRootClass(class string) error {
	_, err := d.call("addRootClass", class)
	return err
}

func (d *PageDocument) RemoveRootClass(class string) error {
	_, err := d.call("removeRootClass", class)
	return err
}

func (d *PageDocument) MountOverlay(o dom.Overlay) error {
	_, err := d.call("mountOverlay", o.ID, o.Text, o.CSS)
	return err
}

func (d *PageDocument) UnmountOverlay(id string) error {
	_, err := d.call("unmountOverlay", id)
	return err
}

func (d *PageDocument) QueryAll(selector string) ([]dom.Node, error) {
	out, err := d.call("queryAll", selector)
	if err != nil {
		return nil, err
	}
	nodes := make([]dom.Node, 0, len(out.Refs))
	for _, ref := range out.Refs {
		nodes = append(nodes, pageNode{ref: ref})
	}
	return nodes, nil
}

func (d *PageDocument) Attr(n dom.Node, name string) (string, bool, error) {
	out, err := d.call("attr", n.Ref(), name)
	if err != nil {
		return "", false, err
	}
	return out.Value, out.Present, nil
}

func (d *PageDocument) SetAttr(n dom.Node, name, value string) error {
	_, err := d.call("setAttr", n.Ref(), name, value)
	return err
}

func (d *PageDocument) RemoveAttr(n dom.Node, name string) error {
	_, err := d.call("removeAttr", n.Ref(), name)
	return err
}

func (d *PageDocument) Closest(n dom.Node, selector string) (bool, error) {
	out, err := d.call("closest", n.Ref(), selector)
	if err != nil {
		return false, err
	}
	return out.Hit, nil
}

// AddListener installs l in the page. Handle is not used; the page
// evaluates l.Rules itself.
func (d *PageDocument) AddListener(l dom.Listener) (string, error) {
	id := "vo-" + uuid.NewString()
	if _, err := d.call("addListener", id, l.Kind, l.Types, l.Options, l.Rules); err != nil {
		return "", err
	}
	if l.Report != nil {
		d.mu.Lock()
		d.reporters[id] = l.Report
		d.mu.Unlock()
	}
	return id, nil
}

func (d *PageDocument) RemoveListener(id string) error {
	d.mu.Lock()
	delete(d.reporters, id)
	d.mu.Unlock()
	_, err := d.call("removeListener", id)
	return err
}

func (d *PageDocument) HasListener(id string) (bool, error) {
	out, err := d.call("hasListener", id)
	if err != nil {
		return false, err
	}
	if !out.Present {
		d.mu.Lock()
		delete(d.reporters, id)
		d.mu.Unlock()
	}
	return out.Present, nil
}
