package transport

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// transparentGIF is a 1x1 transparent GIF.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleOpenPixel records an open and always serves the pixel. Mail clients
// and image proxies fetch it repeatedly, so opens are counted approximately.
func handleOpenPixel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackingID := chi.URLParam(r, "trackingID")
		if _, err := engine.RecordEngagement(r.Context(), model.EngagementEvent{
			TrackingID: trackingID,
			Kind:       model.EngagementOpen,
		}); err != nil && model.CodeOf(err) != model.ErrNotFound {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("open not recorded",
				zap.String("tracking_id", trackingID), zap.Error(err))
		}

		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
		w.Write(transparentGIF)
	}
}

// handleClick records a click and redirects to the original link. Only links
// signed by the engine's tracker are followed, so the endpoint cannot be
// used as an open redirect.
func handleClick(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackingID := chi.URLParam(r, "trackingID")
		q := r.URL.Query()
		target := q.Get("url")
		if !redirectable(target) {
			WriteError(w, model.NewBadRequestError("url must be an absolute http(s) URL"))
			return
		}
		tracker := engine.Tracker()
		if tracker == nil || !tracker.Verify(trackingID, target, q.Get("sig")) {
			WriteError(w, model.NewNotFoundError("unknown tracking link"))
			return
		}

		_, err := engine.RecordEngagement(r.Context(), model.EngagementEvent{
			TrackingID: trackingID,
			Kind:       model.EngagementClick,
			URL:        target,
		})
		switch {
		case model.CodeOf(err) == model.ErrNotFound:
			WriteError(w, err)
			return
		case err != nil:
			// The recipient still gets where they were going.
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("click not recorded",
				zap.String("tracking_id", trackingID), zap.Error(err))
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func redirectable(target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// handleEngagementWebhook accepts delivery, bounce, reply, open, click and
// unsubscribe callbacks from channel providers. Providers retry, so events
// should carry an event_id for de-duplication.
func handleEngagementWebhook(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev model.EngagementEvent
		if err := decodeJSON(r, &ev, false); err != nil {
			WriteError(w, err)
			return
		}
		result, err := engine.RecordEngagement(r.Context(), ev)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
