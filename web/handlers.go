package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, controller AppController, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		controller.Logger().LogError("web: encode response: %v", err)
	}
}

// statusHandler serves the full engine snapshot.
func statusHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, controller, http.StatusOK, controller.GetDashboardData())
	}
}

// positionsHandler serves just the open-positions map.
func positionsHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := controller.GetDashboardData()
		writeJSON(w, controller, http.StatusOK, data.OpenPositions)
	}
}

// positionHandler serves one position. The URL uses "BTC-USDT" in place of
// "BTC/USDT" so the pair survives routing.
func positionHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.Replace(mux.Vars(r)["symbol"], "-", "/", 1)
		data := controller.GetDashboardData()
		pos, ok := data.OpenPositions[strings.ToUpper(symbol)]
		if !ok {
			writeJSON(w, controller, http.StatusNotFound, map[string]string{"error": "no position for " + symbol})
			return
		}
		writeJSON(w, controller, http.StatusOK, pos)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
