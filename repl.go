package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mstarongithub/w2gcore/repl"
	"github.com/mstarongithub/w2gcore/util"
	"github.com/mstarongithub/w2gcore/util/wrappers"
	"github.com/sirupsen/logrus"
)

const replHelp = `Commands:
	run <command> [args...]        Start a program next to the compositor
	inspect <target>               Show state. Targets: backend, outputs, inputs, session, renderer, allocator, caps
	vt <n>                         Switch to virtual terminal n
	redraw                         Paint a new frame on every output
	profile <output> [icc-path]    Attach an ICC profile to an output, no path detaches it
	events on|off                  Print every event the compositor sees
	quit                           Stop the compositor`

func replRunner(server *Server) {
	// Give repl some wrappers around stdin and stdout so that it closes those instead of stdin & stdout themselves
	commandRepl := repl.NewRepl(wrappers.NewReaderWrapper(os.Stdin), wrappers.NewWriterWrapper(os.Stdout))
	logrus.Debugln("Starting repl")
	err := commandRepl.Run(func(input string, r *repl.Repl) (string, error) {
		return handleCommand(server, input, r)
	})
	if err != nil {
		logrus.WithError(err).Warnln("Repl stopped")
	}
}

func handleCommand(server *Server, input string, r *repl.Repl) (string, error) {
	if cmdString, ok := strings.CutPrefix(input, "run "); ok {
		return runCommand(cmdString, r), nil
	}
	var command, target, args string
	given := util.Unpack(strings.SplitN(input, " ", 3), &command, &target, &args)
	switch command {
	case "help":
		return replHelp, nil
	case "quit":
		if err := server.Inspect(server.Stop); err != nil {
			logrus.WithError(err).Debugln("Server was already stopping")
		}
		return "Quitting", repl.ErrQuit
	case "inspect":
		logrus.WithFields(logrus.Fields{
			"target": target,
			"raw":    input,
		}).Debugln("Parsed inspect command")
		return inspect(server, target)
	case "vt":
		vt, err := strconv.Atoi(target)
		if err != nil {
			return "", fmt.Errorf("vt needs a number: %w", err)
		}
		var switchErr error
		if err = server.Inspect(func() {
			if server.session == nil {
				switchErr = fmt.Errorf("no session to switch")
				return
			}
			switchErr = server.session.SwitchVT(vt)
		}); err != nil {
			return "", err
		}
		if switchErr != nil {
			return "", switchErr
		}
		return fmt.Sprintf("Switching to vt %d", vt), nil
	case "redraw":
		var frames uint64
		if err := server.Inspect(func() {
			server.redrawAll()
			frames = server.frames
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Queued frames, %d so far", frames), nil
	case "profile":
		if given < 2 || target == "" {
			return "", fmt.Errorf("profile needs an output")
		}
		var profileErr error
		if err := server.Inspect(func() { profileErr = server.SetColorProfile(target, args) }); err != nil {
			return "", err
		}
		if profileErr != nil {
			return "", profileErr
		}
		return "Profile set for " + target, nil
	case "events":
		return watchEvents(server, target, r)
	default:
		return "Unknown command, try help", nil
	}
}

func runCommand(cmdString string, r *repl.Repl) string {
	parts := strings.Split(cmdString, " ")
	// This is safe b/c it'll unpack into a slice of length 0
	args := parts[1:]
	cmd := exec.Command(parts[0], args...)
	cmd.Stdout = r.Output
	cmd.Stderr = r.Output
	go func(cmd *exec.Cmd, cmdString string) {
		err := cmd.Start()
		if err != nil {
			logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
			return
		}
		err = cmd.Wait()
		if exiterr, ok := err.(*exec.ExitError); ok {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exiterr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}(cmd, cmdString)
	return "Running " + parts[0]
}

const eventWatcher = "repl"

func watchEvents(server *Server, mode string, r *repl.Repl) (string, error) {
	switch mode {
	case "on":
		events, err := server.tap.MakeReceiver(eventWatcher)
		if err != nil {
			return "", err
		}
		go func() {
			for env := range events {
				r.Println(fmt.Sprintf("#%d %s", env.Seq, env.Value))
			}
		}()
		return "Watching events", nil
	case "off":
		server.tap.CloseReceiver(eventWatcher)
		return "Stopped watching events", nil
	default:
		return "", fmt.Errorf("events takes on or off")
	}
}

func inspect(server *Server, target string) (string, error) {
	var out strings.Builder
	err := server.Inspect(func() {
		switch target {
		case "backend":
			b := server.backend
			fmt.Fprintf(&out, "Backend %s: %s, %d outputs, %d inputs", b.Variant(), b.State(), len(b.Outputs()), len(b.Inputs()))
			if card := b.CardPath(); card != "" {
				fmt.Fprintf(&out, ", card %s", card)
			}
		case "outputs":
			for _, o := range server.backend.Outputs() {
				fmt.Fprintf(&out, "%s\n", o)
				if o.Profile != nil {
					fmt.Fprintf(&out, "\tprofile %s (%d bytes)\n", o.Profile.Name, len(o.Profile.ICC))
				}
			}
		case "inputs":
			for _, d := range server.backend.Inputs() {
				fmt.Fprintf(&out, "%s\n", d)
			}
		case "session":
			if server.session == nil {
				out.WriteString("No session")
				return
			}
			s := server.session
			fmt.Fprintf(&out, "Session %s on seat %s: %s\n", s.ID, s.SeatName(), s.State())
			for _, dev := range s.Devices() {
				fmt.Fprintf(&out, "\t%s\n", dev)
			}
		case "renderer":
			if server.renderer == nil {
				out.WriteString("No renderer")
				return
			}
			fmt.Fprintf(&out, "Renderer %s on %s, lost: %v, frames: %d", server.renderer.Variant(), server.device.Identity, server.renderer.Lost(), server.frames)
		case "allocator":
			if server.allocator == nil {
				out.WriteString("No allocator")
				return
			}
			a := server.allocator
			fmt.Fprintf(&out, "Allocator %s: %d live buffers, %d draining, format %s", a.Variant(), a.Live(), a.Pending(), server.format)
		case "caps":
			out.WriteString(server.reg.String())
		default:
			out.WriteString("Unknown target, try help")
		}
	})
	return strings.TrimSuffix(out.String(), "\n"), err
}
