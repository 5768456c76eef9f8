package api

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/clawinfra/parlo/internal/security"
)

// handleDeviceWS upgrades a device connection and hands it to the WebSocket
// channel.
//
// Flow:
//  1. Authentication already ran (?token= is accepted for browsers).
//  2. The device id comes from a device token, else from ?device=.
//  3. Accept the upgrade and serve the socket until it closes.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if claims, err := security.GetClaims(r); err == nil && claims.Role == security.RoleDevice {
		if deviceID != "" && deviceID != claims.DeviceID {
			writeError(w, http.StatusForbidden, "token is for another device")
			return
		}
		deviceID = claims.DeviceID
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: !s.auth.Enabled(), // any Origin in dev mode
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(64 << 10)

	s.logger.Info("device socket accepted", "device", deviceID, "remote", r.RemoteAddr)
	s.ws.Serve(r.Context(), conn, deviceID)
}
