package acquirer

import "time"

// Credentials-by-provider input to DefaultProviderLogins, keyed the same
// way Config.Providers is: "glm", "qwen", "k2".
type AccountSet map[string]Credentials

// DefaultProviderLogins returns the gateway's built-in ProviderLogin entries
// for the three consumer chat surfaces it targets — chat.z.ai (GLM),
// chat.qwen.ai (Qwen), and kimi.com (K2) — filled in with the accounts in
// creds. A provider missing from creds still gets its selectors (so a
// guest-only or credential-less deployment can still harvest a session);
// only K2 allows guest fallback by default since kimi.com serves an
// unauthenticated chat mode the other two don't.
func DefaultProviderLogins(creds AccountSet) map[string]ProviderLogin {
	return map[string]ProviderLogin{
		"glm": {
			LoginURL:                "https://chat.z.ai/login",
			EmailSelector:           "#email",
			PasswordSelector:        "#password",
			SubmitSelector:          "#submit",
			DashboardMarkerSelector: "#dashboard",
			MarkerTimeout:           15 * time.Second,
			Credentials:             creds["glm"],
			JWTLocalStorageKey:      "token",
			JWTRetryAttempts:        3,
			JWTRetryBackoff:         500 * time.Millisecond,
			SliderDragDistance:      260,
		},
		"qwen": {
			LoginURL:                "https://chat.qwen.ai/login",
			EmailSelector:           "#email",
			PasswordSelector:        "#password",
			SubmitSelector:          "#submit",
			DashboardMarkerSelector: "#dashboard",
			MarkerTimeout:           15 * time.Second,
			Credentials:             creds["qwen"],
			QwenCredentialExtra:     true,
			QwenRawTokenLSKey:       "token",
			QwenCookieValueCookie:   "ssxmod_itna",
			SliderDragDistance:      260,
		},
		"k2": {
			LoginURL:                "https://kimi.com",
			EmailSelector:           "#email",
			PasswordSelector:        "#password",
			SubmitSelector:          "#submit",
			DashboardMarkerSelector: "#dashboard",
			MarkerTimeout:           15 * time.Second,
			GuestAllowed:            true,
			Credentials:             creds["k2"],
		},
	}
}
