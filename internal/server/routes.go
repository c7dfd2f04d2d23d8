package server

import (
	"net/http"

	"github.com/ternarybob/spindle/internal/handlers"
)

// MasterRoutes returns the route set of the master role
func MasterRoutes(tasks *handlers.TaskHandler, status *handlers.StatusHandler) func(*http.ServeMux) {
	return func(mux *http.ServeMux) {
		statusRoutes(mux, status)

		mux.HandleFunc("POST /api/tasks", tasks.CreateTaskHandler)
		mux.HandleFunc("GET /api/tasks", tasks.ListTasksHandler)
		mux.HandleFunc("GET /api/tasks/running", tasks.GetRunningTasksHandler)
		mux.HandleFunc("GET /api/tasks/{id}", tasks.GetTaskHandler)
		mux.HandleFunc("DELETE /api/tasks/{id}", tasks.RemoveTaskHandler)
		mux.HandleFunc("POST /api/tasks/{id}/start", tasks.StartTaskHandler)
		mux.HandleFunc("POST /api/tasks/{id}/stop", tasks.StopTaskHandler)
		mux.HandleFunc("POST /api/tasks/{id}/finish", tasks.FinishTaskHandler)
		mux.HandleFunc("GET /api/tasks/{id}/progress", tasks.GetTaskProgressHandler)

		mux.HandleFunc("POST /api/heartbeat", tasks.HeartbeatHandler)
		mux.HandleFunc("GET /api/fetchers", tasks.ListFetchersHandler)
	}
}

// AgentRoutes returns the route set of the agent role
func AgentRoutes(proxies *handlers.ProxyHandler, status *handlers.StatusHandler) func(*http.ServeMux) {
	return func(mux *http.ServeMux) {
		statusRoutes(mux, status)

		mux.HandleFunc("GET /api/proxies", proxies.GetProxiesHandler)
		mux.HandleFunc("POST /api/proxies", proxies.AddProxiesHandler)
		mux.HandleFunc("GET /api/proxies/stats", proxies.StatsHandler)
	}
}

func statusRoutes(mux *http.ServeMux, status *handlers.StatusHandler) {
	mux.HandleFunc("GET /api/health", status.HealthHandler)
	mux.HandleFunc("GET /api/version", status.VersionHandler)
}
