// Package ipc holds the messages tool mode exchanges, serialized as JSON
package ipc

import "gitlab.com/mstarongitlab/goutils/sliceutils"

// TODO: Look into adding support for sway and hyprland ipc so that w2g can interact with those in tool mode

type (
	// A request to list the available Outputs
	OutputRequest struct {
		// Whether to include the modes an output supports
		IncludeModes bool `json:"include_modes"`
		// Target one specific output
		SpecifiesOutput bool `json:"specifies_output"`
		// Name of the output you want info on. Only matters if SpecifiesOutput is set
		TargetOutput string `json:"target_output"`
	}

	// A mode an output supports
	OutputMode struct {
		// Mode height in pixel
		Height int `json:"height"`
		// Mode width in pixel
		Width int `json:"width"`
		// Refresh rate of the mode in millihertz
		RefreshRate int  `json:"refresh_rate"`
		Preferred   bool `json:"preferred"`
	}

	// Response to a OutputRequest message
	OutputResponse struct {
		// Which backend answered
		Backend string `json:"backend"`
		// List of all outputs. Only contains target output if specified
		Outputs []string `json:"outputs"`
		// A list of modes an output supports. Only set if IncludeModes is true
		OutputModes map[string][]OutputMode `json:"output_modes,omitempty"`
		// Nr of outputs found
		OutputsFound int `json:"outputs_found"`
	}

	// The compiled in capabilities
	CapabilityResponse struct {
		Enabled  []string `json:"enabled"`
		Disabled []string `json:"disabled"`
	}
)

// Filter narrows a response down to what req asked for
func (r *OutputResponse) Filter(req OutputRequest) {
	if req.SpecifiesOutput {
		r.Outputs = sliceutils.Filter(r.Outputs, func(name string) bool {
			return name == req.TargetOutput
		})
	}
	if !req.IncludeModes {
		r.OutputModes = nil
	} else {
		for name := range r.OutputModes {
			if req.SpecifiesOutput && name != req.TargetOutput {
				delete(r.OutputModes, name)
			}
		}
	}
	r.OutputsFound = len(r.Outputs)
}
