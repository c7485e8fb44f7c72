package api

import (
	"net/http"
	"time"

	"github.com/dimiro1/health"
)

func (a *API) healthRoute() http.Handler {
	healthHandler := health.NewHandler()
	healthHandler.AddChecker("cycleState", cycleChecker{api: a})
	healthHandler.AddInfo("version", a.version)
	t := time.Now().UTC()
	healthHandler.AddInfo("timestamp", t)
	return healthHandler
}

// cycleChecker reports the settlement cycle state so operators can see at
// a glance whether the auction is overdue.
type cycleChecker struct {
	api *API
}

func (c cycleChecker) Check() health.Health {
	h := health.NewHealth()
	h.Up()
	state := c.api.coord.State()
	if state.LastSettledAt != nil {
		h.AddInfo("lastSettledAt", state.LastSettledAt.UTC().Format(time.RFC3339))
	}
	h.AddInfo("due", c.api.coord.ShouldSettle())
	return h
}
