// Package mqtt publishes tool-session health to an MQTT broker as Home
// Assistant discovery sensors. toolmux appears as a single HA device
// with one state sensor per shared server plus aggregate counts.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
package mqtt
