package subagent

import (
	"context"
	"strings"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/kernel"
)

// helperTemplate is the python source injected into every fresh kernel.
// It gives sandbox code llm_query, llm_query_batch, and one stub per
// sandbox-callable tool, all speaking to the callback server over stdlib
// urllib. Names are underscored or well-known so they survive resets of
// user variables.
const helperTemplate = `
import json as _kiln_json
import urllib.request as _kiln_rq
import urllib.error as _kiln_rqerr

_KILN_CALLBACK = "{{CALLBACK_URL}}"

def _kiln_post(path, payload, timeout=120):
    data = _kiln_json.dumps(payload).encode("utf-8")
    req = _kiln_rq.Request(_KILN_CALLBACK + path, data=data,
                           headers={"Content-Type": "application/json"})
    try:
        with _kiln_rq.urlopen(req, timeout=timeout) as resp:
            return _kiln_json.loads(resp.read().decode("utf-8"))
    except _kiln_rqerr.HTTPError as e:
        body = e.read().decode("utf-8", "replace")
        try:
            msg = _kiln_json.loads(body).get("error", body)
        except Exception:
            msg = body
        raise RuntimeError(msg)

def llm_query(prompt):
    """Ask the configured language model a single question."""
    return _kiln_post("/llm_query", {"prompt": prompt})["response"]

def llm_query_batch(prompts):
    """Ask many questions concurrently. Results keep the input order;
    a failed slot holds an "[error] ..." string instead of raising."""
    from concurrent.futures import ThreadPoolExecutor
    def _one(p):
        try:
            return llm_query(p)
        except Exception as e:
            return "[error] " + str(e)
    with ThreadPoolExecutor(max_workers=8) as pool:
        return list(pool.map(_one, prompts))

def _kiln_tool(name, **input):
    return _kiln_post("/tool_call", {"tool": name, "input": input})["result"]

def search_knowledge(query, top_k=10):
    return _kiln_tool("search_knowledge", query=query, top_k=top_k)

def ask_knowledge(question):
    return _kiln_tool("ask_knowledge", question=question)

def fetch_url(url):
    return _kiln_tool("fetch_url", url=url)

def load_file(path, var_name):
    value = _kiln_tool("load_file", path=path, var_name=var_name)
    globals()[var_name] = value
    return "loaded %d chars into %s" % (len(str(value)), var_name)

def apple_search(query, framework=None):
    return _kiln_tool("apple_search", query=query, framework=framework)
`

// HelperSource renders the injected helper module for a callback URL.
func HelperSource(callbackURL string) string {
	return strings.ReplaceAll(helperTemplate, "{{CALLBACK_URL}}", strings.TrimRight(callbackURL, "/"))
}

// InjectHelpers installs the helpers into a running kernel. Wired as the
// manager's start and restart hook.
func InjectHelpers(ctx context.Context, c *kernel.Client, callbackURL string) error {
	res, err := c.Exec(ctx, HelperSource(callbackURL), 0)
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		return kiln.E(kiln.KindKernelRuntime, "helper injection failed: "+res.Stderr)
	}
	return nil
}
