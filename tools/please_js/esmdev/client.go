package esmdev

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// clientModuleTemplate installs the browser side of the mocker under the
// rewriter's identifier. Keys come from the resolve endpoint so that the
// browser and the server agree on module identity; a specifier the server
// cannot resolve is keyed by its literal text.
//
// Template args: identifier (JSON string), resolve endpoint (JSON string).
const clientModuleTemplate = `const identifier = %s;
const resolveEndpoint = %s;

function createMocker() {
  const queue = [];
  const registry = new Map();
  const cache = new Map();
  const wrapped = new WeakMap();
  let reconciling = null;

  async function lookup(specifier, importer) {
    const query = new URLSearchParams({ id: String(specifier), importer: String(importer) });
    try {
      const res = await fetch(resolveEndpoint + "?" + query);
      if (res.ok) {
        return await res.json();
      }
    } catch (err) {
      console.warn("[mocker] resolve failed for " + specifier, err);
    }
    return { key: String(specifier), url: String(specifier) };
  }

  async function drain() {
    while (queue.length > 0) {
      const batch = queue.splice(0, queue.length);
      for (const entry of batch) {
        const { key } = await lookup(entry.specifier, entry.importer);
        if (entry.factory) {
          registry.set(key, { factory: entry.factory, exports: null });
        } else {
          registry.delete(key);
        }
        cache.delete(key);
      }
    }
  }

  function reconcile() {
    if (!reconciling && queue.length > 0) {
      reconciling = drain().finally(() => {
        reconciling = null;
      });
    }
    return reconciling || Promise.resolve();
  }

  function wrap(module) {
    if (module === null || typeof module !== "object") {
      return module;
    }
    let ns = wrapped.get(module);
    if (!ns) {
      ns = { ...module };
      wrapped.set(module, ns);
    }
    return ns;
  }

  function loadMock(reg) {
    if (!reg.exports) {
      reg.exports = Promise.resolve().then(() => reg.factory());
    }
    return reg.exports;
  }

  return {
    mock(specifier, factory, importer) {
      if (typeof factory !== "function") {
        throw new TypeError("mock(" + JSON.stringify(specifier) + ") requires a factory");
      }
      queue.push({ specifier, importer, factory });
    },
    unmock(specifier, importer) {
      queue.push({ specifier, importer, factory: null });
    },
    async import(load, specifier, importer) {
      await reconcile();
      const { key } = await lookup(specifier, importer);
      let entry = cache.get(key);
      if (!entry) {
        const reg = registry.get(key);
        entry = (reg ? loadMock(reg) : Promise.resolve().then(load)).then(wrap);
        cache.set(key, entry);
      }
      return entry;
    },
    async importActual(specifier, importer) {
      const { url } = await lookup(specifier, importer);
      return wrap(await import(url));
    },
    resetModules() {
      cache.clear();
    },
    reset() {
      queue.length = 0;
      registry.clear();
      cache.clear();
    },
  };
}

globalThis[identifier] ??= createMocker();
export default globalThis[identifier];
`

func (s *esmServer) handleClient(w http.ResponseWriter, r *http.Request, start time.Time) {
	id, _ := json.Marshal(s.identifier)
	endpoint, _ := json.Marshal(resolvePath)
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, clientModuleTemplate, id, endpoint)
	s.logRequest("client", r, http.StatusOK, start)
}
