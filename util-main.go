package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mstarongithub/w2gcore/backend"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/ipc"
	"github.com/mstarongithub/w2gcore/config"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

var (
	utilAction *string = flag.String(
		"action",
		"outputs",
		"The action to perform. Can be one of:"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes: List available modes for an output"+
			"\n\t- caps: List the compiled in capabilities"+
			"\n\t- wlr-outputs: List the outputs the host's wlroots sees",
	)
	outputSelection *string = flag.String(
		"output",
		"",
		"Output to perform the action on. Required for some actions",
	)
	jsonOutput *bool = flag.Bool("json", false, "Print tool results as JSON")
)

func utilMain(conf *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}
	reg := capability.Compiled()

	switch *utilAction {
	case "caps":
		printResult(capabilities(reg))
	case "wlr-outputs":
		resp, err := wlrOutputs()
		if err != nil {
			logrus.WithError(err).Fatal("probing wlroots outputs")
		}
		resp.Filter(outputRequest())
		printResult(resp)
	case "outputs", "modes":
		if *utilAction == "modes" && *outputSelection == "" {
			fmt.Println("Output has to be specified")
			return
		}
		resp, err := probeOutputs(conf, reg)
		if err != nil {
			logrus.WithError(err).Fatal("probing outputs")
		}
		resp.Filter(outputRequest())
		if *outputSelection != "" && resp.OutputsFound == 0 {
			fmt.Printf("Output %s not found\n", *outputSelection)
			os.Exit(1)
		}
		printResult(resp)
	default:
		fmt.Printf("Unknown action %s\n", *utilAction)
		utilHelpMessage()
	}
}

func outputRequest() ipc.OutputRequest {
	return ipc.OutputRequest{
		IncludeModes:    *utilAction == "modes" || *utilAction == "wlr-outputs",
		SpecifiesOutput: *outputSelection != "",
		TargetOutput:    *outputSelection,
	}
}

// probeOutputs starts a server just long enough to enumerate the outputs
func probeOutputs(conf *config.Config, reg capability.Registry) (ipc.OutputResponse, error) {
	server, err := NewServer(conf, reg, nil, Extensions{})
	if err != nil {
		return ipc.OutputResponse{}, err
	}
	if err = server.Start(context.Background()); err != nil {
		return ipc.OutputResponse{}, err
	}
	defer server.Stop()
	return describeOutputs(server.backend), nil
}

func describeOutputs(b *backend.Backend) ipc.OutputResponse {
	resp := ipc.OutputResponse{
		Backend:     string(b.Variant()),
		Outputs:     []string{},
		OutputModes: map[string][]ipc.OutputMode{},
	}
	for _, out := range b.Outputs() {
		resp.Outputs = append(resp.Outputs, out.Name)
		for _, mode := range out.Modes {
			resp.OutputModes[out.Name] = append(resp.OutputModes[out.Name], ipc.OutputMode{
				Width:       mode.Width,
				Height:      mode.Height,
				RefreshRate: mode.RefreshMHz,
				Preferred:   mode.Preferred,
			})
		}
	}
	resp.OutputsFound = len(resp.Outputs)
	return resp
}

func capabilities(reg capability.Registry) ipc.CapabilityResponse {
	names := func(flags []capability.Flag) []string {
		out := make([]string, 0, len(flags))
		for _, f := range flags {
			out = append(out, f.String())
		}
		return out
	}
	return ipc.CapabilityResponse{
		Enabled:  names(sliceutils.Filter(capability.All(), reg.IsSupported)),
		Disabled: names(sliceutils.Filter(capability.All(), func(f capability.Flag) bool { return !reg.IsSupported(f) })),
	}
}

func printResult(result any) {
	if *jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			logrus.WithError(err).Fatal("encoding result")
		}
		fmt.Println(string(data))
		return
	}
	fmt.Print(formatResult(result))
}

func formatResult(result any) string {
	var out strings.Builder
	switch r := result.(type) {
	case ipc.CapabilityResponse:
		fmt.Fprintf(&out, "Enabled: %s\n", strings.Join(r.Enabled, ", "))
		fmt.Fprintf(&out, "Disabled: %s\n", strings.Join(r.Disabled, ", "))
	case ipc.OutputResponse:
		for i, name := range r.Outputs {
			fmt.Fprintf(&out, "Output %v: %s\n", i, name)
			modes := r.OutputModes[name]
			if len(modes) == 0 {
				continue
			}
			fmt.Fprintf(&out, "Modes for output %s:\n", name)
			for _, mode := range modes {
				line := fmt.Sprintf("\t- %dx%d@%d.%03d", mode.Width, mode.Height, mode.RefreshRate/1000, mode.RefreshRate%1000)
				if mode.Preferred {
					line += " (preferred)"
				}
				out.WriteString(line + "\n")
			}
		}
		fmt.Fprintf(&out, "%d outputs on the %s backend\n", r.OutputsFound, r.Backend)
	default:
		fmt.Fprintf(&out, "%+v\n", result)
	}
	return out.String()
}

func utilHelpMessage() {
	fmt.Println("---- Help message for Way2Gay in tool mode ----")
	fmt.Println("\nIn tool mode, w2g will offer various tools for figuring out configurations and similar")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is " + config.DefaultPath())
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- (default) outputs: List available outputs")
	fmt.Println("\t\t- modes: List available modes for an output. Use with -output")
	fmt.Println("\t\t- caps: List the compiled in capabilities")
	fmt.Println("\t\t- wlr-outputs: List the outputs the host's wlroots library sees")
	fmt.Println("\t-output: Output to perform the action on. Required for -action modes")
	fmt.Println("\t-json: Print the result as JSON")
}
