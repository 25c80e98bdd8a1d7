// Package mqtt publishes resolution-layer telemetry to an MQTT broker:
// an availability topic, a retained state topic per provider, the
// current selection, queue depth, and a daily token counter.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic; a will message ensures the topic transitions to
// "offline" on unexpected disconnects. States are republished on a
// fixed interval and immediately after bus events that change them.
package mqtt
