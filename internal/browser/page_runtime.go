package browser

// runtimeJS installs window.__viewOnly once per document. Nodes are tracked
// in a WeakMap so nothing is written into the host's DOM; a ref that no
// longer resolves to a connected node reports "detached".
//
// decideKey must stay in lockstep with keys.Policy.Decide.
const runtimeJS = `
(() => {
	if (window.__viewOnly) return window.__viewOnly;
	const ids = new WeakMap();
	const nodes = new Map();
	let seq = 0;
	const listeners = {};

	const root = () => document.documentElement;
	const fail = (error) => ({ error });
	const ok = (v) => Object.assign({ ok: true }, v || {});

	const ref = (n) => {
		let id = ids.get(n);
		if (!id) {
			id = 'node-' + (++seq);
			ids.set(n, id);
			nodes.set(id, new WeakRef(n));
		}
		return id;
	};
	const node = (id) => {
		const w = nodes.get(id);
		const n = w && w.deref();
		if (!n || !n.isConnected) {
			nodes.delete(id);
			return null;
		}
		return n;
	};

	const has = (list, key) => (list || []).some((k) =>
		k === key || (k.length > 1 && typeof key === 'string' && k.toLowerCase() === key.toLowerCase()));
	const combo = (list, ev) => (list || []).some((c) =>
		typeof ev.key === 'string' &&
		c.key.toLowerCase() === ev.key.toLowerCase() &&
		!!c.primary === (ev.ctrlKey || ev.metaKey) &&
		!!c.alt === ev.altKey);
	const printable = (key) => {
		if (typeof key !== 'string') return false;
		const chars = Array.from(key);
		return chars.length === 1 && /[\p{L}\p{M}\p{N}\p{P}\p{S}\p{Zs}]/u.test(chars[0]);
	};

	const decideKey = (p, ev) => {
		if (ev.type === 'textInput' || ev.type === 'beforeinput') return { allow: false, reason: 'text-input' };
		if (has(p.allow_keys, ev.key)) return { allow: true, reason: 'allow-key' };
		if (combo(p.allow_combos, ev)) return { allow: true, reason: 'allow-combo' };
		if (has(p.deny_keys, ev.key)) return { allow: false, reason: 'deny-key' };
		if (combo(p.deny_combos, ev)) return { allow: false, reason: 'deny-combo' };
		const modified = ev.ctrlKey || ev.altKey || ev.metaKey;
		if (p.block_typing && !modified && printable(ev.key)) return { allow: false, reason: 'typing' };
		if (p.block_modified && modified) return { allow: false, reason: 'modified' };
		return { allow: true, reason: 'pass' };
	};

	const suppress = (ev) => {
		ev.preventDefault();
		ev.stopPropagation();
		ev.stopImmediatePropagation();
	};
	const report = (msg) => {
		try {
			if (typeof window.__viewOnlyReport === 'function') window.__viewOnlyReport(msg);
		} catch (e) {}
	};

	const handlers = {
		keyboard: (id, rules) => (ev) => {
			const d = decideKey(rules, ev);
			if (d.allow) return;
			suppress(ev);
			report({ listener: id, kind: 'keyboard', type: ev.type, key: ev.key || '', reason: d.reason });
		},
		pointer: (id, rules) => (ev) => {
			let t = ev.target;
			if (t && t.nodeType !== 1) t = t.parentElement;
			if (!t || !t.closest || !t.closest(rules.selector)) return;
			suppress(ev);
			report({ listener: id, kind: 'pointer', type: ev.type, reason: 'editable-target' });
		},
	};

	const api = {
		insertStyle(id, css) {
			if (!root()) return fail('no-root');
			let el = document.getElementById(id);
			if (!el) {
				el = document.createElement('style');
				el.id = id;
				(document.head || root()).appendChild(el);
			}
			el.textContent = css;
			return ok();
		},
		removeStyle(id) {
			if (!root()) return fail('no-root');
			const el = document.getElementById(id);
			if (el) el.remove();
			return ok();
		},
		addRootClass(cls) {
			if (!root()) return fail('no-root');
			root().classList.add(cls);
			return ok();
		},
		removeRootClass(cls) {
			if (!root()) return fail('no-root');
			root().classList.remove(cls);
			return ok();
		},
		mountOverlay(id, text, css) {
			if (!root()) return fail('no-root');
			let el = document.getElementById(id);
			if (!el) {
				el = document.createElement('div');
				el.id = id;
				el.setAttribute('aria-hidden', 'true');
				(document.body || root()).appendChild(el);
			}
			el.style.cssText = css;
			el.textContent = text;
			return ok();
		},
		unmountOverlay(id) {
			if (!root()) return fail('no-root');
			const el = document.getElementById(id);
			if (el) el.remove();
			return ok();
		},
		queryAll(sel) {
			if (!root()) return fail('no-root');
			return ok({ refs: Array.from(document.querySelectorAll(sel)).map(ref) });
		},
		attr(id, name) {
			const n = node(id);
			if (!n) return fail('detached');
			return ok({ value: n.getAttribute(name) || '', present: n.hasAttribute(name) });
		},
		setAttr(id, name, value) {
			const n = node(id);
			if (!n) return fail('detached');
			n.setAttribute(name, value);
			return ok();
		},
		removeAttr(id, name) {
			const n = node(id);
			if (!n) return fail('detached');
			n.removeAttribute(name);
			return ok();
		},
		closest(id, sel) {
			const n = node(id);
			if (!n) return fail('detached');
			return ok({ hit: !!n.closest(sel) });
		},
		addListener(id, kind, types, opts, rules) {
			if (!root()) return fail('no-root');
			const make = handlers[kind];
			if (!make) return fail('unknown listener kind ' + kind);
			const fn = make(id, rules);
			const options = { capture: !!opts.capture, passive: !!opts.passive };
			types.forEach((t) => window.addEventListener(t, fn, options));
			listeners[id] = { types, fn, options };
			return ok();
		},
		removeListener(id) {
			const l = listeners[id];
			if (!l) return fail('unknown-listener');
			l.types.forEach((t) => window.removeEventListener(t, l.fn, l.options));
			delete listeners[id];
			return ok();
		},
		hasListener(id) {
			return ok({ present: !!listeners[id] });
		},
	};
	window.__viewOnly = api;
	return api;
})()
`
