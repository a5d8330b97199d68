package main

import (
	"errors"
	"os"
	"strings"
)

// Echo is the demo service served by "mrpc serve".
type Echo struct {
	host string
}

func newEcho() *Echo {
	host, _ := os.Hostname()
	return &Echo{host: host}
}

func (e *Echo) Say(msg *string, reply *string) error {
	*reply = *msg
	return nil
}

func (e *Echo) Upper(msg *string, reply *string) error {
	if *msg == "" {
		return errors.New("empty message")
	}
	*reply = strings.ToUpper(*msg)
	return nil
}

// Host reports which server answered, handy for watching the router spread
// calls across instances.
func (e *Echo) Host(_ *string, reply *string) error {
	*reply = e.host
	return nil
}
