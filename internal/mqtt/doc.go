// Package mqtt implements Harbor's live session transport on an MQTT v5
// broker. A [Bus] owns one connection managed by Eclipse Paho's
// [autopaho] package, which reconnects automatically; every
// subscription is re-established on each (re-)connect, and a will
// message flips the client's availability topic to "offline" when the
// connection drops unexpectedly.
//
// Host processes open one Bus per traffic class (inbound sandbox
// events, outbound observer events, commands to sandboxes) so that a
// burst on one class never queues behind another on the same socket.
package mqtt
