/*
Juus is a tool for running juus nodes and making juus connections.

	$ juus -h
	Usage:
	  juus [OPTIONS] <dial | init | listen | peer | pubkey | publish | remotestatic | resolve>

In the example below, we create ".juus" directories with "juus init", start a
node with "juus listen", publish its key in a name registry, and connect to it
by name with "juus dial".

# Init

Make two directories, one for alice and one for bob, and run "juus init":

	alice$ juus init
	INFO	created identity	{"path": ".juus/identity"}
	INFO	created address book	{"path": ".juus/peers"}
	dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

The printed line is the public key, the node's address handle. "juus pubkey"
prints it again later.

# Publish and resolve

With a registry running (see juusregistry), alice publishes her key:

	alice$ juus --registry 127.0.0.1:8081 publish alice

	bob$ juus --registry 127.0.0.1:8081 resolve alice
	dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4

The registry can also be set in ".juus/node.yaml":

	registry: 127.0.0.1:8081
	listen: :1047
	discovery: disabled

# Listen

Start a node that echoes back everything it reads:

	alice$ juus listen :1047 cat

Without a command, data from connections is written to stdout, and stdin is
sent to the connections.

# Dial

Without relay discovery, bob needs alice's address in his address book:

	bob$ juus peer dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4@localhost:1047
	bob$ juus --registry 127.0.0.1:8081 dial alice

Now type anything and you'll see it echoed back. The target can also be a
public key, or pubkey@host:port to skip the address book. The connection only
succeeds if the remote proves it holds the key dialed.

With "--discovery relay --relay 127.0.0.1:2379", listening nodes advertise
their address in the relay cluster, and dialing nodes find them there.

# Remotestatic

To find the public key of the node at an address, remotestatic performs a
handshake, prints the key as an address book line and closes the connection:

	$ juus remotestatic localhost:1047
	juus0 dveY0PXJfUQn84FOdV3MCCCRz6Na7SccQH_Shcj-Qg4 localhost:1047
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juusnet/juus/cmd/juus/juusapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := juusapp.Run(ctx, juusapp.WithOSArgs()); err != nil {
		// go-flags has printed the error.
		os.Exit(2)
	}
}
