package sandbox

import (
	"github.com/dop251/goja"
)

// preludeSource builds the handler globals on top of the host object. Every
// value crossing into Go is JSON text, so handlers only ever see copies.
const preludeSource = `(function (host) {
  'use strict';

  const enc = (v) => (v === undefined ? undefined : JSON.stringify(v));
  const dec = (s) => (s === undefined || s === null ? undefined : JSON.parse(s));
  const freeze = Object.freeze;

  const state = new Proxy(Object.create(null), {
    get(_, key) {
      if (typeof key !== 'string') return undefined;
      return dec(host.stateGet(key));
    },
    set(_, key, value) {
      if (typeof key !== 'string') return false;
      host.stateSet(key, enc(value));
      return true;
    },
    deleteProperty(_, key) {
      if (typeof key === 'string') host.stateDelete(key);
      return true;
    },
    has(_, key) {
      return typeof key === 'string' && host.stateHas(key) === true;
    },
    ownKeys() {
      return dec(host.stateKeys()) || [];
    },
    getOwnPropertyDescriptor(_, key) {
      if (typeof key !== 'string') return undefined;
      const raw = host.stateGet(key);
      if (raw === undefined) return undefined;
      return { value: dec(raw), writable: true, enumerable: true, configurable: true };
    },
    defineProperty() {
      return false;
    },
    setPrototypeOf() {
      return false;
    },
  });

  const emit = function (name, payload) {
    host.emit(String(name), enc(payload));
  };
  emit.toast = function (message, type) {
    host.emit('toast', enc({ message: String(message), type: type === undefined ? 'info' : String(type) }));
  };
  freeze(emit);

  const view = freeze({
    setFilter: (id, value) => host.view('setFilter', String(id), enc({ value })),
    scrollTo: (id, position) => host.view('scrollTo', String(id), enc({ position })),
    focus: (id) => host.view('focus', String(id), '{}'),
    command: (id, command, params) =>
      host.view('custom', id == null ? '' : String(id), enc(Object.assign({}, params, { command }))),
  });

  const pending = new Map();
  const extension = (name) =>
    new Proxy(Object.create(null), {
      get(_, method) {
        if (typeof method !== 'string' || method === 'then') return undefined;
        return function (...args) {
          const id = host.extCall(name, method, enc(args));
          return new Promise((resolve, reject) => {
            pending.set(id, { resolve, reject });
          });
        };
      },
    });
  const ext = new Proxy(Object.create(null), {
    get(_, name) {
      if (typeof name !== 'string' || name === 'then') return undefined;
      return extension(name);
    },
  });

  const text = (args) =>
    args
      .map((a) => {
        if (typeof a === 'string') return a;
        try {
          const s = JSON.stringify(a);
          return s === undefined ? String(a) : s;
        } catch (e) {
          return String(a);
        }
      })
      .join(' ');
  const log = freeze({
    debug: (...a) => host.log('debug', text(a)),
    info: (...a) => host.log('info', text(a)),
    warn: (...a) => host.log('warn', text(a)),
    error: (...a) => host.log('error', text(a)),
  });

  return freeze({
    invoke(fn, args, scope) {
      Promise.resolve()
        .then(() => fn(state, dec(args), dec(scope), emit, view, ext, log))
        .then((v) => host.done(enc(v)), (e) => host.fail(e));
    },
    settle(id, ok, payload) {
      const p = pending.get(id);
      if (!p) return false;
      pending.delete(id);
      if (ok) p.resolve(dec(payload));
      else p.reject(new Error(payload));
      return true;
    },
  });
})`

var prelude = goja.MustCompile("prelude.js", preludeSource, true)
