/*
Package bridge connects one WebSocket to the terminals of its session.

Each connection owns a fresh session. On Run the bridge provisions a default
terminal, announces it with a ready message and then routes client messages
until the connection ends:

	{"type":"input","data":"ls\n","terminalId":"..."}
	{"type":"resize","data":{"cols":120,"rows":30}}
	{"type":"create_terminal","data":{"cols":80,"rows":24}}
	{"type":"close_terminal","terminalId":"..."}
	{"type":"ping"}
	{"type":"logout"}

Output and exit notifications of every owned terminal are written back as
output, exit, terminal_created, ready, error and pong messages by a single
writer goroutine. When the bridge closes, every terminal of its session is
killed.

A create attempt that fails, whether the default terminal on Run or a
create_terminal request, is answered with an error message that carries no
terminalId. Reason "throttled" means the spawn guard is open; any other
spawn failure uses reason "spawn":

	{"type":"error","reason":"spawn","message":"..."}

Frames that are not a JSON object close the connection with 1007. Objects
with an unknown type, or whose type or terminalId is not a string, are
dropped. Input for a terminal that has stopped reading is dropped as well.
*/
package bridge
