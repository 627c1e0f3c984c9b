// Package api exposes the HTTP surface: health and metrics, the websocket push
// channel, chat and runtime controls, the dashboard endpoints, the webhook
// intake and the gated pipeline operator routes.
package api
