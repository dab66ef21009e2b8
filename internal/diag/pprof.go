package diag

import (
	"net/http"
	netpprof "net/http/pprof"
	"runtime"

	"github.com/julienschmidt/httprouter"
)

var profiles = []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"}

// mountProfiling exposes net/http/pprof under /debug/pprof. Block and mutex
// sampling is switched on so those profiles are not empty.
func mountProfiling(r *httprouter.Router) {
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	r.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodPost, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range profiles {
		r.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
}
