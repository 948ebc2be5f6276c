package llms

// GenerateOptions collects the per-request knobs shared by streaming and
// plain completions.
type GenerateOptions struct {
	Tools        []Tool
	JSONResponse bool
	MaxTokens    int
	Temperature  *float64
	Stop         []string
}

type GenerateOption func(*GenerateOptions)

func WithTools(tools ...Tool) GenerateOption {
	return func(o *GenerateOptions) {
		o.Tools = append(o.Tools, tools...)
	}
}

// WithJSONResponse asks the model for a JSON object response. Used by
// extraction tasks that parse the result as structured data.
func WithJSONResponse() GenerateOption {
	return func(o *GenerateOptions) { o.JSONResponse = true }
}

func WithMaxTokens(maxTokens int) GenerateOption {
	return func(o *GenerateOptions) { o.MaxTokens = maxTokens }
}

func WithTemperature(temperature float64) GenerateOption {
	return func(o *GenerateOptions) { o.Temperature = &temperature }
}

func WithStop(stop ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Stop = append(o.Stop, stop...)
	}
}
