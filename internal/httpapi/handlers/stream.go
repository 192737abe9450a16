package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"audio2mp4/internal/events"
	"audio2mp4/internal/httpkit"
)

// StreamLog relays a job's events as server-sent events until the job's bus
// is torn down or the client goes away.
func (h *Handler) StreamLog(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	if _, err := h.registry.Get(jobID); err != nil {
		return err
	}

	sub := h.bus.Subscribe(jobID)
	defer sub.Unsubscribe()
	// The job may have been evicted between the lookup and the subscribe.
	if err := h.evicted(jobID); err != nil {
		return err
	}

	log := h.log.FromContext(r.Context()).WithJobID(jobID)
	sse, err := httpkit.NewSSE(w)
	if err != nil {
		log.Warn("event stream unavailable", "error", err)
		return nil
	}
	log.Debug("event stream opened")

	if err := sse.Comment("connected"); err != nil {
		return nil
	}
	if err := sse.Event(string(events.KindLog), "Connected to job "+jobID); err != nil {
		return nil
	}

	ping := time.NewTicker(h.ping)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					log.Warn("event stream dropped: client too slow")
				} else {
					log.Debug("event stream closed by teardown")
				}
				return nil
			}
			data, err := ev.Data()
			if err != nil {
				log.Warn("event encode failed", "type", string(ev.Kind), "error", err)
				continue
			}
			if err := sse.Event(string(ev.Kind), data); err != nil {
				return nil
			}
		case <-ping.C:
			if h.evicted(jobID) != nil {
				return nil
			}
			if err := sse.Comment("ping"); err != nil {
				return nil
			}
		case <-r.Context().Done():
			log.Debug("event stream client disconnected")
			return nil
		}
	}
}

// evicted returns the registry's not-found error once jobID is gone. A
// topic created by a subscribe that raced the cleanup is torn down so it
// does not linger.
func (h *Handler) evicted(jobID string) error {
	_, err := h.registry.Get(jobID)
	if err != nil {
		h.bus.Teardown(jobID)
	}
	return err
}
