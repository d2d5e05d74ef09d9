package llm

// 采样参数默认值。缓存键在计算前会先代入这些值，
// 因此“未设置”与“显式设为默认值”命中同一条缓存。
const (
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 2000
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.0
	DefaultPresencePenalty  = 0.0
)

// ResponseFormat 取值。空字符串等价于 text。
const (
	ResponseFormatText = "text"
	ResponseFormatJSON = "json_object"
)

// ModelParams 是 Agent 的类型化模型参数，nil 表示未设置。
type ModelParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	ResponseFormat   string   `json:"response_format,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// ResolvedParams 是代入默认值之后的参数，所有影响输出的字段都有确定值。
type ResolvedParams struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	ResponseFormat   string
	Stop             []string
	Seed             *int64
}

// Resolve substitutes defaults for every unset field.
func (p ModelParams) Resolve() ResolvedParams {
	r := ResolvedParams{
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		TopP:             DefaultTopP,
		FrequencyPenalty: DefaultFrequencyPenalty,
		PresencePenalty:  DefaultPresencePenalty,
		ResponseFormat:   ResponseFormatText,
		Seed:             p.Seed,
	}
	if p.Temperature != nil {
		r.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		r.MaxTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		r.TopP = *p.TopP
	}
	if p.FrequencyPenalty != nil {
		r.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		r.PresencePenalty = *p.PresencePenalty
	}
	if p.ResponseFormat != "" {
		r.ResponseFormat = p.ResponseFormat
	}
	if len(p.Stop) > 0 {
		r.Stop = append([]string(nil), p.Stop...)
	}
	return r
}

// Clone returns a deep copy so callers can mutate (e.g. fix a seed) without aliasing the agent's config.
func (p ModelParams) Clone() ModelParams {
	c := p
	if p.Temperature != nil {
		v := *p.Temperature
		c.Temperature = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		c.MaxTokens = &v
	}
	if p.TopP != nil {
		v := *p.TopP
		c.TopP = &v
	}
	if p.FrequencyPenalty != nil {
		v := *p.FrequencyPenalty
		c.FrequencyPenalty = &v
	}
	if p.PresencePenalty != nil {
		v := *p.PresencePenalty
		c.PresencePenalty = &v
	}
	if p.Seed != nil {
		v := *p.Seed
		c.Seed = &v
	}
	if p.Stop != nil {
		c.Stop = append([]string(nil), p.Stop...)
	}
	return c
}

// Float64 / Int / Int64 are small helpers for building ModelParams literals.
func Float64(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }
