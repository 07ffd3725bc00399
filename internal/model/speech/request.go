package speech

// SynthesisRequest 语音合成请求，voice 按调用传入。
type SynthesisRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Speed    float32 `json:"speed"`
	Language string  `json:"language"`
}
