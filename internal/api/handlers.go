package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/broker"
	"github.com/zoravur/syncbroker/internal/reactive"
)

type channelView struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func handleChannels(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chans := b.Channels()
		out := make([]channelView, 0, len(chans))
		for _, d := range chans {
			out = append(out, channelView{Name: d.Name(), Capabilities: d.Capabilities().Names()})
		}
		writeJSON(w, r, out)
	}
}

type liveView struct {
	Stats       reactive.Stats            `json:"stats"`
	Connections []reactive.ConnectionView `json:"connections"`
}

func handleLive(reg *reactive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, liveView{Stats: reg.Stats(), Connections: reg.Snapshot()})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L(r.Context()).Warn("encode response", zap.Error(err))
	}
}
