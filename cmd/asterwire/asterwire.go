// Program asterwire is a command-line utility for poking at Asterisk
// AMI and AGI endpoints.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"

	"github.com/voxhollow/asterwire"
	"github.com/voxhollow/asterwire/agi"
	"github.com/voxhollow/asterwire/ami"
	"github.com/voxhollow/asterwire/frame"
	"github.com/voxhollow/asterwire/handle"
)

var sendFlags struct {
	Address  string `flag:"addr,AMI server address (host:port)"`
	Username string `flag:"user,Manager username"`
	Secret   string `flag:"secret,Manager secret"`
	List     string `flag:"list,Treat the action as list-style with this terminating event"`
}

var agiFlags struct {
	Listen string `flag:"listen,FastAGI listen address (host:port)"`
}

func main() {
	sendFlags.Address = "localhost:5038"
	agiFlags.Listen = fmt.Sprintf("localhost:%d", agi.Port)

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for poking at Asterisk AMI and AGI endpoints.",
		Commands: []*command.C{
			{
				Name:  "send",
				Usage: "<action> [key=value ...]",
				Help: `Send one manager action and print its response.

The tool dials the AMI port, logs in with the given credentials, sends
the action with the given headers, and prints the response headers. With
-list, follow-up events are collected until the named terminating event
and printed as well.`,
				SetFlags: func(env *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &sendFlags) },
				Run:      runSend,
			},
			{
				Name: "fastagi",
				Help: `Run a demo FastAGI server.

Each incoming session is answered, told its unique id, and hung up.`,
				SetFlags: func(env *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &agiFlags) },
				Run:      runFastAGI,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing action name")
	}
	action := env.Args[0]
	var headers []frame.Pair
	for _, arg := range env.Args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return env.Usagef("header %q is not key=value", arg)
		}
		headers = append(headers, frame.Pair{Key: key, Value: value})
	}

	conn, err := net.Dial("tcp", sendFlags.Address)
	if err != nil {
		return err
	}
	eng := ami.New(ami.Config{})
	g := taskgroup.New(nil)
	g.Go(func() error { return asterwire.Drive(eng, conn) })
	defer g.Wait()
	defer eng.Close()

	login := eng.SendAction("Login", []frame.Pair{
		{Key: "Username", Value: sendFlags.Username},
		{Key: "Secret", Value: sendFlags.Secret},
	}, nil)
	if err := await(login); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var h *handle.Handle[*ami.Response]
	if sendFlags.List != "" {
		h = eng.SendListAction(action, headers, nil, sendFlags.List)
	} else {
		h = eng.SendAction(action, headers, nil)
	}
	rsp, err := wait(h)
	if err != nil {
		return err
	}
	printResponse(rsp)
	return nil
}

func printResponse(rsp *ami.Response) {
	for _, p := range rsp.Headers.Pairs() {
		fmt.Printf("%s: %s\n", p.Key, p.Value)
	}
	if body := rsp.Body(); body != "" {
		fmt.Println(body)
	}
	for _, evt := range rsp.Events {
		fmt.Println()
		for _, p := range evt.Headers.Pairs() {
			fmt.Printf("%s: %s\n", p.Key, p.Value)
		}
	}
}

func runFastAGI(env *command.Env) error {
	lst, err := net.Listen("tcp", agiFlags.Listen)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Serving FastAGI at %s\n", lst.Addr())
	return agi.Serve(lst, func() *agi.Engine {
		var e *agi.Engine
		e = agi.New(agi.Config{OnReady: func() { go greet(e) }})
		return e
	})
}

// greet runs the demo session: answer, announce the unique id, hang up.
func greet(e *agi.Engine) {
	defer e.Close()
	id := e.Env().Get("uniqueid")
	fmt.Fprintf(os.Stderr, "Session from channel %s (uniqueid %s)\n", e.Env().Get("channel"), id)
	if err := await(e.Answer()); err != nil {
		return
	}
	await(e.Verbose("hello from asterwire", 1))
	await(e.SayAlpha(id, ""))
	await(e.Hangup())
}

// wait blocks until h settles and returns its outcome.
func wait[T any](h *handle.Handle[T]) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	h.OnResult(func(v T) { ch <- outcome{v: v} })
	h.OnReject(func(err error) { ch <- outcome{err: err} })
	o := <-ch
	return o.v, o.err
}

// await is wait for callers that only care about the error.
func await[T any](h *handle.Handle[T]) error {
	_, err := wait(h)
	return err
}
