package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/healthbridge/lab-orders/pkg/logger"
)

// Middleware records request metrics and structured access logs
func Middleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			endpoint := routeTemplate(r)

			RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(recorder.statusCode), duration.Seconds())
			log.HTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, recorder.statusCode, duration.Milliseconds())
		})
	}
}

// routeTemplate returns the mux route pattern to keep metric cardinality bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
