package transport

import (
	"github.com/mitchellh/mapstructure"

	"github.com/danmuck/nodus/internal/faults"
)

// Decode copies free-form settings into out using mapstructure tags.
// Strings convert to durations and numbers; unknown keys are rejected.
func Decode(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return faults.Wrap(faults.InvalidConfig, nil, err)
	}
	if err := dec.Decode(settings); err != nil {
		return faults.Wrap(faults.InvalidConfig, nil, err)
	}
	return nil
}
