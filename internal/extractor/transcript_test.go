package extractor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
	"github.com/LJTian/NewsCheck/internal/transcript"
)

type fakeTranscripts struct {
	tracks  []transcript.Track
	listErr error
	// 按 LanguageCode 返回的结果
	texts   map[string]string
	errs    map[string]error
	fetched []string
}

func (f *fakeTranscripts) ListTracks(_ context.Context, _ string) ([]transcript.Track, error) {
	return f.tracks, f.listErr
}

func (f *fakeTranscripts) Fetch(_ context.Context, t transcript.Track, translateTo string) (string, error) {
	f.fetched = append(f.fetched, t.LanguageCode+">"+translateTo)
	if err := f.errs[t.LanguageCode]; err != nil {
		return "", err
	}
	return f.texts[t.LanguageCode], nil
}

type fakeTranslator struct{ calls int }

func (f *fakeTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	f.calls++
	return "[" + source + ">" + target + "]" + text, nil
}

type sleepCounter struct{ n int }

func (s *sleepCounter) sleep(ctx context.Context, _ time.Duration) error {
	s.n++
	return ctx.Err()
}

var boilerplate = []string{"テレビ朝日がお届けする", "チャンネル登録"}

const longDescription = "けさのニュースです。首都圏で大雪の恐れがあり、交通機関への影響に注意が必要です。テレビ朝日がお届けするANNnewsCHです。チャンネル登録をお願いします"

func newTestTranscriptExtractor(client TranscriptClient, tr Translator, s *sleepCounter) *TranscriptExtractor {
	e := NewTranscriptExtractor(TranscriptConfig{
		PreferredLanguage:   "ja",
		BoilerplatePhrases:  boilerplate,
		MinDescriptionRunes: 20,
		Delay:               3 * time.Second,
		Jitter:              2 * time.Second,
	}, client, tr, zap.NewNop())
	return e.WithSleeper(s.sleep)
}

func TestTranscriptReusesStoredText(t *testing.T) {
	client := &fakeTranscripts{listErr: errors.New("should not be called")}
	s := &sleepCounter{}
	e := newTestTranscriptExtractor(client, nil, s)

	res := e.Extract(context.Background(), &storage.Item{ID: "v1", RawText: "既に取得済みの字幕"})
	if !res.OK() || res.Text != "既に取得済みの字幕" || res.Step != "stored" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if s.n != 0 || len(client.fetched) != 0 {
		t.Fatalf("stored text must not trigger fetches (sleeps=%d fetched=%v)", s.n, client.fetched)
	}
}

func TestTranscriptPrefersManualPreferredLanguage(t *testing.T) {
	client := &fakeTranscripts{
		tracks: []transcript.Track{
			{LanguageCode: "en", Translatable: true},
			{LanguageCode: "ja", Generated: true},
			{LanguageCode: "ja"},
		},
		texts: map[string]string{"ja": "人手の字幕", "en": "english"},
	}
	s := &sleepCounter{}
	res := newTestTranscriptExtractor(client, nil, s).Extract(context.Background(), &storage.Item{ID: "v1"})
	if !res.OK() || res.Text != "人手の字幕" || res.Step != "transcript" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(client.fetched) != 1 || client.fetched[0] != "ja>" {
		t.Fatalf("fetched = %v", client.fetched)
	}
	if s.n != 1 {
		t.Fatalf("expected one delay before the transcript attempt, got %d", s.n)
	}
}

func TestTranscriptSecondaryLanguageAfterTransientFailure(t *testing.T) {
	client := &fakeTranscripts{
		tracks: []transcript.Track{
			{LanguageCode: "ja", Generated: true},
			{LanguageCode: "en", Translatable: true},
		},
		texts: map[string]string{"en": "翻訳済みの字幕テキスト"},
		errs:  map[string]error{"ja": transcript.ErrTooManyRequests},
	}
	s := &sleepCounter{}
	item := &storage.Item{ID: "v1", Description: longDescription}

	res := newTestTranscriptExtractor(client, nil, s).Extract(context.Background(), item)
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Step != "transcript" || res.Text != "翻訳済みの字幕テキスト" {
		t.Fatalf("secondary transcript should win over description: %+v", res)
	}
	if len(client.fetched) != 2 || client.fetched[1] != "en>ja" {
		t.Fatalf("fetched = %v, want YouTube translation of en into ja", client.fetched)
	}
	if s.n != 2 {
		t.Fatalf("expected a delay before each attempt, got %d", s.n)
	}
}

func TestTranscriptDisabledIsTerminal(t *testing.T) {
	client := &fakeTranscripts{listErr: transcript.ErrTranscriptsDisabled}
	res := newTestTranscriptExtractor(client, nil, &sleepCounter{}).
		Extract(context.Background(), &storage.Item{ID: "v1", Description: longDescription})

	if res.OK() {
		t.Fatalf("disabled subtitles must not fall back to description: %+v", res)
	}
	if !res.Permanent {
		t.Fatalf("disabled subtitles must be permanent")
	}
	if !errors.Is(res.Err, transcript.ErrTranscriptsDisabled) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestTranscriptNetworkFailureFallsBackToDescription(t *testing.T) {
	client := &fakeTranscripts{listErr: errors.New("dial tcp: i/o timeout")}
	res := newTestTranscriptExtractor(client, nil, &sleepCounter{}).
		Extract(context.Background(), &storage.Item{ID: "v1", Description: longDescription})

	if !res.OK() || res.Step != "description" {
		t.Fatalf("expected description fallback, got %+v", res)
	}
	if strings.Contains(res.Text, "テレビ朝日") || strings.Contains(res.Text, "チャンネル登録") {
		t.Fatalf("boilerplate not stripped: %q", res.Text)
	}
	if !strings.HasPrefix(res.Text, "けさのニュースです。") {
		t.Fatalf("description text = %q", res.Text)
	}
}

func TestTranscriptShortDescriptionFails(t *testing.T) {
	client := &fakeTranscripts{listErr: transcript.ErrRequestBlocked}
	res := newTestTranscriptExtractor(client, nil, &sleepCounter{}).
		Extract(context.Background(), &storage.Item{ID: "v1", Description: "短い説明。テレビ朝日がお届けする長い宣伝文がここに続きます"})

	if res.OK() || res.Permanent {
		t.Fatalf("short description should be a retryable failure: %+v", res)
	}
}

func TestTranscriptNoUsableTrackDoesNotUseDescription(t *testing.T) {
	client := &fakeTranscripts{
		tracks: []transcript.Track{{LanguageCode: "ja"}},
		errs:   map[string]error{"ja": transcript.ErrNoTranscript},
	}
	res := newTestTranscriptExtractor(client, nil, &sleepCounter{}).
		Extract(context.Background(), &storage.Item{ID: "v1", Description: longDescription})
	if res.OK() || res.Permanent {
		t.Fatalf("expected retryable failure without description fallback: %+v", res)
	}
}

func TestTranscriptLocalTranslationForUntranslatableTrack(t *testing.T) {
	client := &fakeTranscripts{
		tracks: []transcript.Track{{LanguageCode: "ko", Translatable: false}},
		texts:  map[string]string{"ko": "안녕하세요"},
	}
	tr := &fakeTranslator{}
	res := newTestTranscriptExtractor(client, tr, &sleepCounter{}).Extract(context.Background(), &storage.Item{ID: "v1"})
	if !res.OK() || res.Text != "[ko>ja]안녕하세요" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if client.fetched[0] != "ko>" || tr.calls != 1 {
		t.Fatalf("fetched=%v translator calls=%d", client.fetched, tr.calls)
	}
}

func TestStripBoilerplate(t *testing.T) {
	got := StripBoilerplate("本文です。チャンネル登録はこちら テレビ朝日がお届けする", boilerplate)
	if got != "本文です。" {
		t.Fatalf("StripBoilerplate = %q", got)
	}
	if got := StripBoilerplate("  宣伝なし  ", boilerplate); got != "宣伝なし" {
		t.Fatalf("StripBoilerplate = %q", got)
	}
}
