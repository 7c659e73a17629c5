/*
Package juus implements the secure transport and identity of juus nodes: a
bidirectional stream, mutually authenticated and encrypted with the noise
protocol variant Noise_XX_25519_ChaChaPoly_BLAKE2b, with simple framing.

A node is identified by a Curve25519 key pair. The 32-byte secret key lives in
a single file, see LoadOrCreateIdentity. The 32-byte public key is the node's
address handle; peers dial a public key, not a host. Keys are printed in
base64-raw-url encoding.

Before the noise handshake both sides exchange a hello holding the wire version
and an opaque protocol identifier (DefaultProtocol unless configured). The
hellos are the noise prologue, so tampering fails the handshake. A different
version or identifier fails with ErrProtocolMismatch.

This package provides a programming interface similar to "net" and
"crypto/tls". Listen returns connections whose handshake has not been done;
HandshakeContext does it with a deadline. Setting Config.RemoteStatic makes a
handshake fail unless remote proves possession of that key.

Errors are wrapped with additional information. Use errors.Is to check for
them.

Security

The ephemeral key exchange provides forward secrecy. The static key exchange
provides mutual authentication. The identity of the initiator remains hidden
from passive observers, responder identities can be probed by any connection.
*/
package juus
