// Package ws attaches WebSocket connections to terminal bridges.
//
// A request must carry a valid session cookie or bearer token before it is
// upgraded; otherwise it is answered with 401. Each upgraded connection gets
// a fresh session ID and its own bridge, registered with the hub so logout
// and shutdown can close it.
//
// Example Usage:
//
//	handler := ws.NewHandler(ws.Options{Validator: gate, Registry: registry, Hub: hub})
//	router.GET("/ws", handler.HandleConnection)
package ws
