/*
Package launch starts a server as a detached process and waits for it to report readiness.

The parent creates a unix socketpair before spawning. The child inherits one end as file descriptor 3 (ControlFD) and receives the start payload, a JSON StartPayload, on stdin. Once its listener is bound, the child writes a single JSON ReadyMessage to fd 3:

	{"port": 54321}

The port may differ from the requested one, e.g. when port 0 asked for any free port.

While waiting, three outcomes race: the ready message, a transport error on the control channel, and the child exiting. The first one wins and the others are torn down. EOF on the channel is not an outcome of its own: the child closing its end almost always means it is exiting, so the launcher gives the exit a short grace period to be observed and reports a ChannelError only if it is not.

The child runs in its own session (setsid), so it is not tied to the launching process or its terminal. After a successful handshake the caller calls Release and never signals or waits on the child again.
*/
package launch
