// Package collab implements real-time collaborative coding rooms.
//
// Rooms hold shared editor state (members, code, cursors, chat and execution
// output) and are mutated by a single writer each, so every member observes
// the same order of events. Submitted snippets run in sandboxed interpreters
// off the room's mutation path and come back as ordinary room events.
package collab
