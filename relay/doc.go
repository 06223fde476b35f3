//Package main
/*
The `relay` package contains the sockrelay server and client. The server gives clients that can only speak WebSocket,
browsers for example, access to raw network sockets: outbound TCP connections, UDP sockets and virtual TCP servers
listening on a port of the relay host.

Each WebSocket connection is a transport that owns at most one resource. The first message of the client chooses the
resource, the later messages carry the payload. A connection accepted by a virtual TCP server is parked until a new
transport attaches to it with the client id announced by the server.

The messages are binary WebSocket frames, one opcode byte followed by the payload. Optionally the server can use TLS
to secure the communication.
*/
package main
