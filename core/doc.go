// Package orchestration runs turn-based voice and text conversations. A
// sequencer executes the session's tasks, each task runner drives turns
// through input processing, response generation and output delivery, and an
// input demultiplexer routes transport frames to the right consumer while
// tracking what the client has actually played.
package orchestration
