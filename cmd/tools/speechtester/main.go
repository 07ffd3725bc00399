package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-voice/backend/internal/config"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
	"github.com/zhouzirui/z-voice/backend/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: asr, tts 或 stream")
	audioPath := flag.String("audio", "", "输入音频文件路径 (asr/stream)")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "输出音频文件路径 (默认根据格式自动生成)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	server := flag.String("server", "ws://localhost:8080", "stream 模式的服务地址")
	agentID := flag.String("agent", "stella", "stream 模式的智能体 ID")
	session := flag.String("session", "", "自定义 sessionID，留空则由服务端生成")
	token := flag.String("token", "", "stream 模式的 JWT")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr", "tts":
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("配置加载失败: %v", err)
		}
		svc, err := speech.NewService(cfg.Speech, nil)
		if err != nil {
			log.Fatalf("语音服务初始化失败: %v", err)
		}
		if *mode == "asr" {
			runASR(ctx, svc, cfg, *audioPath, *language)
		} else {
			runTTS(ctx, svc, cfg, *text, *voice, *language, *outputPath)
		}
	case "stream":
		runStream(ctx, *server, *agentID, *session, *token, *audioPath, *outputPath)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=asr、-mode=tts 或 -mode=stream 指定测试模式")
	}
}

func runASR(ctx context.Context, svc *speech.Service, cfg *config.Config, audioPath, language string) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Printf("开始进行 ASR 测试: provider=%s language=%s bytes=%d", cfg.Speech.ASRProvider, language, len(data))
	started := time.Now()
	text, err := svc.Transcriber.Transcribe(ctx, data, language)
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}
	if text == "" {
		log.Printf("ASR 未识别到语音 (静音或低于阈值), 耗时=%s", time.Since(started))
		return
	}
	log.Printf("ASR 识别成功: text=%q 耗时=%s", text, time.Since(started))
}

func runTTS(ctx context.Context, svc *speech.Service, cfg *config.Config, text, voice, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}
	if language == "" {
		language = cfg.Speech.TTSLanguage
	}

	log.Printf("开始进行 TTS 测试: provider=%s voice=%s", cfg.Speech.TTSProvider, voice)
	audio, err := svc.Synthesizer.Synthesize(ctx, speechmodel.SynthesisRequest{Text: text, Voice: voice, Language: language})
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}
	outputPath = writeAudio(outputPath, "tts-output", audio.Format, audio.Data)
	log.Printf("TTS 合成成功: 输出文件 %s, 采样率=%d", outputPath, audio.SampleRate)
}

// runStream 连接语音会话，发送一段音频并等待回复音频。
func runStream(ctx context.Context, server, agentID, session, token, audioPath, outputPath string) {
	if audioPath == "" {
		log.Fatal("stream 模式需要通过 -audio 指定音频文件路径")
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}

	query := url.Values{"events": {"true"}}
	if session != "" {
		query.Set("session_id", session)
	}
	if token != "" {
		query.Set("token", token)
	}
	endpoint := fmt.Sprintf("%s/api/v1/agents/%s/stream?%s", strings.TrimRight(server, "/"), url.PathEscape(agentID), query.Encode())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("连接失败: status=%d err=%v", resp.StatusCode, err)
		}
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	started := time.Now()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Fatalf("发送音频失败: %v", err)
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("读取回复失败: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			outputPath = writeAudio(outputPath, "stream-reply", "mp3", payload)
			log.Printf("收到回复音频: %s (%d bytes), 轮次耗时=%s", outputPath, len(payload), time.Since(started))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		var event struct {
			Type           string `json:"type"`
			SessionID      string `json:"session_id"`
			ConversationID string `json:"conversation_id"`
			Role           string `json:"role"`
			Text           string `json:"text"`
			Error          string `json:"error"`
			Kind           string `json:"kind"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("[WARN] 无法解析控制帧: %s", payload)
			continue
		}
		switch event.Type {
		case "ready":
			log.Printf("会话就绪: session=%s conversation=%s", event.SessionID, event.ConversationID)
		case "transcript":
			log.Printf("[%s] %s", event.Role, event.Text)
		case "error":
			log.Fatalf("轮次失败: kind=%s error=%s", event.Kind, event.Error)
		}
	}
}

func writeAudio(path, prefix, format string, data []byte) string {
	if format == "" {
		format = "bin"
	}
	if path == "" {
		path = fmt.Sprintf("%s-%d.%s", prefix, time.Now().Unix(), format)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}
	return path
}
