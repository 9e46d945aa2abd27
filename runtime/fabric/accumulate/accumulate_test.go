package accumulate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/channel"
)

func webModel() channel.Model {
	return channel.Defaults()[fabric.ChannelWeb]
}

func TestSuggestChannelDefault(t *testing.T) {
	got := Suggest(Input{Content: "what is the refund policy for my order", Channel: webModel()})
	require.Equal(t, 600*time.Millisecond, got)
}

func TestSuggestGreetingNudge(t *testing.T) {
	got := Suggest(Input{Content: "Hello!", Channel: webModel()})
	require.Equal(t, 600*time.Millisecond+GreetingNudge, got)
}

func TestSuggestFragmentNudge(t *testing.T) {
	for _, content := range []string{"and also,", "I was thinking...", "two words"} {
		got := Suggest(Input{Content: content, Channel: webModel()})
		require.Equal(t, 600*time.Millisecond+FragmentNudge, got, "content %q", content)
	}
}

func TestSuggestCadenceAveraging(t *testing.T) {
	got := Suggest(Input{
		Content:    "what is the refund policy for my order",
		Channel:    webModel(),
		CadenceP95: 2 * time.Second,
	})
	require.Equal(t, 1300*time.Millisecond, got)
}

func TestSuggestHintOverridesShape(t *testing.T) {
	got := Suggest(Input{
		Content: "Hello!",
		Channel: webModel(),
		Hint:    &Hint{SuggestedWait: 2 * time.Second, CompletionConfidence: 0.9},
	})
	require.Equal(t, 2*time.Second, got)

	// The hint remains clamped.
	got = Suggest(Input{
		Content: "Hello!",
		Channel: webModel(),
		Hint:    &Hint{SuggestedWait: time.Minute},
	})
	require.Equal(t, DefaultMaxWait, got)
}

func TestSuggestClampFloor(t *testing.T) {
	voice := channel.Defaults()[fabric.ChannelVoice]
	got := Suggest(Input{Content: "please transfer me to billing department now", Channel: voice})
	require.Equal(t, DefaultMinWait, got)
}

func TestSuggestCustomClamp(t *testing.T) {
	got := Suggest(Input{
		Content: "Hello",
		Channel: webModel(),
		Clamp:   Clamp{Min: 50 * time.Millisecond, Max: 700 * time.Millisecond},
	})
	require.Equal(t, 700*time.Millisecond, got)
}

func TestShapeNudgeGreetingWinsOverFragment(t *testing.T) {
	// "hey" is both in the greeting lexicon and under three tokens.
	require.Equal(t, GreetingNudge, ShapeNudge("hey"))
	require.Equal(t, GreetingNudge, ShapeNudge("Good Morning!"))
	require.Equal(t, FragmentNudge, ShapeNudge("ok cool"))
	require.Equal(t, FragmentNudge, ShapeNudge(""))
	require.Zero(t, ShapeNudge("what time do you open tomorrow"))
}
