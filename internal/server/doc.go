// Package server assembles the helper: engine, texture device, surface
// registry, dispatcher, transport, and parent watchdog, with ordered
// teardown so the host never observes a half-dead helper.
package server
