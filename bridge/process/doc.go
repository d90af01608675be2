/*
Package process supervises the subprocess on the other side of the bridge.

The subprocess speaks newline-delimited JSON over stdin and stdout. Its stdout bytes are handed, unmodified and in arrival order, to the configured writer (normally a frame.Framer). Its stderr carries diagnostics only; it is split into lines and logged.

A Handle moves through these states exactly once:

	Spawned -> Running -> Exited(code)
	                   -> Crashed(err)
	Spawned -> Crashed(err)              (the executable could not be launched)

Input is accepted only while the handle is Running and stdin is open. Writes are never queued on behalf of the caller: a write either reaches the pipe within the write timeout or fails with ErrNotWritable. Once the handle reaches a terminal state it stays there; nothing restarts the subprocess.
*/
package process
