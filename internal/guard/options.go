package guard

import (
	"fmt"
	"strings"

	"viewonly-guard/internal/dom"
	"viewonly-guard/internal/keys"
)

const (
	DefaultMarkerClass   = "viewonly-guard-active"
	DefaultStyleID       = "viewonly-guard-style"
	DefaultIndicatorID   = "viewonly-guard-indicator"
	DefaultIndicatorText = "View only"
)

// DefaultSelectors cover the editable regions of an outline editor: raw
// contenteditable surfaces, block line containers, block tree nodes and
// native or ARIA text inputs.
var DefaultSelectors = []string{
	`[contenteditable]`,
	`.block-content`,
	`.block-editor`,
	`.editor-wrapper`,
	`.ls-block`,
	`textarea`,
	`input`,
	`[role="textbox"]`,
}

// Options tune what the guard injects and intercepts.
type Options struct {
	MarkerClass   string
	StyleID       string
	IndicatorID   string
	IndicatorText string
	Selectors     []string
	Policy        keys.Policy
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		MarkerClass:   DefaultMarkerClass,
		StyleID:       DefaultStyleID,
		IndicatorID:   DefaultIndicatorID,
		IndicatorText: DefaultIndicatorText,
		Selectors:     append([]string(nil), DefaultSelectors...),
		Policy:        keys.DefaultPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MarkerClass == "" {
		o.MarkerClass = d.MarkerClass
	}
	if o.StyleID == "" {
		o.StyleID = d.StyleID
	}
	if o.IndicatorID == "" {
		o.IndicatorID = d.IndicatorID
	}
	if o.IndicatorText == "" {
		o.IndicatorText = d.IndicatorText
	}
	if len(o.Selectors) == 0 {
		o.Selectors = d.Selectors
	}
	if isZeroPolicy(o.Policy) {
		o.Policy = d.Policy
	}
	return o
}

func isZeroPolicy(p keys.Policy) bool {
	return len(p.AllowKeys) == 0 && len(p.AllowCombos) == 0 &&
		len(p.DenyKeys) == 0 && len(p.DenyCombos) == 0 &&
		!p.BlockTyping && !p.BlockModified
}

// css renders the protective rules. Everything is scoped under the marker
// class on the root element, so removing the class disarms the block even
// if the style element itself survives.
func (o Options) css() string {
	scoped := make([]string, 0, len(o.Selectors))
	for _, s := range o.Selectors {
		scoped = append(scoped, fmt.Sprintf("html.%s %s", o.MarkerClass, s))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s {\n  pointer-events: none !important;\n  caret-color: transparent !important;\n}\n",
		strings.Join(scoped, ",\n"))
	fmt.Fprintf(&b, "html.%[1]s, html.%[1]s * {\n  -webkit-user-select: text !important;\n  user-select: text !important;\n}\n",
		o.MarkerClass)
	return b.String()
}

func (o Options) overlay() dom.Overlay {
	return dom.Overlay{
		ID:   o.IndicatorID,
		Text: o.IndicatorText,
		CSS: strings.Join([]string{
			"position: fixed",
			"top: 8px",
			"right: 12px",
			"z-index: 2147483000",
			"pointer-events: none",
			"padding: 2px 10px",
			"border-radius: 4px",
			"background: rgba(200, 40, 40, 0.85)",
			"color: #fff",
			"font: 600 12px/1.6 system-ui, sans-serif",
			"opacity: 0.9",
		}, "; "),
	}
}
