package juus_test

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/juusnet/juus"
)

func ExampleDialContext() {
	key, _, err := juus.LoadOrCreateIdentity(".juus/identity")
	if err != nil {
		log.Fatalf("identity: %s", err)
	}
	remote, err := juus.ParsePublicKey("Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8")
	if err != nil {
		log.Fatalf("parse key: %s", err)
	}

	config := &juus.Config{
		SecretKey:    &key,
		RemoteStatic: &remote,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := juus.DialContext(ctx, "tcp", "localhost:1047", config)
	if err != nil {
		log.Fatalf("dial: %s", err)
	}
	// Handshake was completed, remote holds the secret key of "remote".

	conn.Close()
}

func ExampleListen() {
	key, _, err := juus.LoadOrCreateIdentity(".juus/identity")
	if err != nil {
		log.Fatalf("identity: %s", err)
	}

	config := &juus.Config{SecretKey: &key}
	l, err := juus.Listen("tcp", "localhost:1047", config)
	if err != nil {
		log.Fatalf("listen: %s", err)
	}

	log.Printf("listening on %s, public key %s\n", l.Addr(), config.LocalStaticPublic())

	serve := func(conn *juus.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	}

	for {
		conn, err := l.AcceptConn()
		if err != nil {
			log.Fatalf("accept: %s", err)
		}

		go serve(conn)
	}
}
