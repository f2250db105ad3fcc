package providers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/oxbow-labs/sessiongate/session"
)

// ApplySessionHeaders injects a Bundle's cookies and optional bearer token
// onto an outbound request, in place of the static Authorization-header
// API-key auth the teacher's providers used. Cookie order is sorted for
// deterministic Cookie headers (useful for tests and for any upstream that
// is picky about header stability).
func ApplySessionHeaders(req *http.Request, bundle session.Bundle) {
	if len(bundle.Cookies) > 0 {
		names := make([]string, 0, len(bundle.Cookies))
		for k := range bundle.Cookies {
			names = append(names, k)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, k := range names {
			pairs = append(pairs, k+"="+bundle.Cookies[k])
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
	if bundle.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bundle.Bearer)
	}
}
