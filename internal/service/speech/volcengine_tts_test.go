package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

func TestResourceCandidates(t *testing.T) {
	tests := []struct {
		name  string
		voice string
		want  []string
	}{
		{name: "default voice", voice: "", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
		{name: "mega clone voice", voice: "S_clone_speaker", want: []string{"volc.megatts.default"}},
		{name: "bigtts voice", voice: "en_female_amy_jupiter_bigtts", want: []string{"seed-tts-2.0", "volc.service_type.10029"}},
		{name: "legacy 1.0 voice", voice: "zh_male_organizer", want: []string{"volc.service_type.10029", "seed-tts-2.0"}},
	}

	for _, tt := range tests {
		got := resourceCandidates(tt.voice)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resourceCandidates(%q) = %v, want %v", tt.name, tt.voice, got, tt.want)
		}
	}
}

func TestSpeakerCandidates(t *testing.T) {
	tests := []struct {
		requested string
		fallback  string
		want      []string
	}{
		{requested: "voice_a", fallback: "voice_b", want: []string{"voice_a", "voice_b"}},
		{requested: "Voice_A", fallback: "voice_a", want: []string{"Voice_A"}},
		{requested: "", fallback: "voice_b", want: []string{"voice_b"}},
		{requested: "", fallback: "", want: []string{"en_female_amy_jupiter_bigtts"}},
	}

	for _, tt := range tests {
		got := speakerCandidates(tt.requested, tt.fallback)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("speakerCandidates(%q, %q) = %v, want %v", tt.requested, tt.fallback, got, tt.want)
		}
	}
}

// fakeTTSServer 模拟火山引擎单向流式合成接口。
func fakeTTSServer(t *testing.T, rejectResource string) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu        sync.Mutex
		resources []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		mu.Lock()
		resources = append(resources, resource)
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := decodeFrame(data)
		if err != nil || req.kind != frameClientRequest {
			return
		}
		var body volcTTSRequest
		if err := json.Unmarshal(req.payload, &body); err != nil {
			return
		}

		if resource == rejectResource {
			_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
				kind:      frameServerError,
				errorCode: 45000000,
				payload:   []byte(`{"error":"resource ID is mismatched with speaker related resource"}`),
			}))
			return
		}

		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{kind: frameServerAudio, payload: []byte(body.ReqParams.Text)}))
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			kind:    frameServerFull,
			flags:   flagLast,
			serial:  serialJSON,
			payload: []byte(`{"code":0,"message":"ok"}`),
		}))
	}))
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), resources...)
	}
}

func TestVolcengineTTSSynthesize(t *testing.T) {
	srv, resources := fakeTTSServer(t, "")
	defer srv.Close()

	client := NewVolcengineTTSClient(speechmodel.Config{AppID: "app", AccessToken: "token"}, nil)
	client.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	audio, err := client.Synthesize(context.Background(), speechmodel.SynthesisRequest{Text: "hello", Voice: "en_female_amy_jupiter_bigtts"})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio.Data) != "hello" {
		t.Fatalf("audio = %q, want %q", audio.Data, "hello")
	}
	if audio.Format != "mp3" || audio.SampleRate != volcTTSSampleRate {
		t.Fatalf("unexpected audio format %s/%d", audio.Format, audio.SampleRate)
	}
	if want := []string{"seed-tts-2.0"}; !reflect.DeepEqual(resources(), want) {
		t.Fatalf("resources = %v, want %v", resources(), want)
	}
}

func TestVolcengineTTSFallsBackOnResourceMismatch(t *testing.T) {
	srv, resources := fakeTTSServer(t, "seed-tts-2.0")
	defer srv.Close()

	client := NewVolcengineTTSClient(speechmodel.Config{AppID: "app", AccessToken: "token"}, nil)
	client.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	audio, err := client.Synthesize(context.Background(), speechmodel.SynthesisRequest{Text: "hi", Voice: "en_female_amy_jupiter_bigtts"})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(audio.Data) != "hi" {
		t.Fatalf("audio = %q", audio.Data)
	}
	if want := []string{"seed-tts-2.0", "volc.service_type.10029"}; !reflect.DeepEqual(resources(), want) {
		t.Fatalf("resources = %v, want %v", resources(), want)
	}
}

func TestVolcengineTTSUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewVolcengineTTSClient(speechmodel.Config{AppID: "app", AccessToken: "token"}, nil)
	client.url = url

	_, err := client.Synthesize(context.Background(), speechmodel.SynthesisRequest{Text: "hi"})
	if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Fatalf("kind = %q, want %q (err=%v)", apperr.KindOf(err), apperr.KindUpstreamUnavailable, err)
	}
}

func TestVolcengineTTSMissingCredentials(t *testing.T) {
	client := NewVolcengineTTSClient(speechmodel.Config{}, nil)
	_, err := client.Synthesize(context.Background(), speechmodel.SynthesisRequest{Text: "hi"})
	if apperr.KindOf(err) != apperr.KindSynthesis {
		t.Fatalf("kind = %q, want %q", apperr.KindOf(err), apperr.KindSynthesis)
	}
}
