package speech

// Audio 合成结果，Format 描述下行帧的编码。
type Audio struct {
	Data       []byte `json:"-"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
}

// Clip is decoded mono audio in [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}
