/*
Package delivery implements the WebSocket delivery service.

The service subscribes to the notification fanout exchange, collapses
duplicate and stale events, and pushes live updates to connected users
over WebSockets with application-level acknowledgement. Confirmed
deliveries are reported back to the core through the confirmations
exchange. One-shot tickets bridge HTTP authentication to the WebSocket
upgrade.
*/
package delivery
