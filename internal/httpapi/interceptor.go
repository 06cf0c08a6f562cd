package httpapi

import (
	"net/http"

	"github.com/loqalabs/loqa-tts/internal/auth"
)

// Rejection is a terminal response produced by an interceptor.
type Rejection struct {
	Status  int
	Detail  string
	Headers map[string]string
}

// Interceptor inspects a request before dispatch. A nil Rejection lets the request continue.
type Interceptor interface {
	Intercept(r *http.Request) *Rejection
}

type InterceptorFunc func(r *http.Request) *Rejection

func (f InterceptorFunc) Intercept(r *http.Request) *Rejection { return f(r) }

// Intercept evaluates the interceptors in order and stops at the first rejection.
func Intercept(chain ...Interceptor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, ic := range chain {
				if rej := ic.Intercept(r); rej != nil {
					for k, v := range rej.Headers {
						w.Header().Set(k, v)
					}
					writeError(w, rej.Status, rej.Detail)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CredentialCheck adapts the auth gate to the interceptor chain.
func CredentialCheck(gate *auth.Gate) Interceptor {
	return InterceptorFunc(func(r *http.Request) *Rejection {
		if gate.Allow(r) {
			return nil
		}
		return &Rejection{
			Status:  http.StatusUnauthorized,
			Detail:  auth.DeniedMessage,
			Headers: map[string]string{"WWW-Authenticate": "Bearer"},
		}
	})
}
