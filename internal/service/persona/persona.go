// Package persona renders backend output in Miku's voice.
package persona

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"mikuai/internal/models"
)

// Thinking is shown while a reply is pending.
const Thinking = "Miku is thinking... (◕‿◕)"

var templates = []string{
	"*giggles* %s ~desu! (◕‿◕✿)",
	"Nya~! %s ☆⌒ヽ(*'､^*)chu",
	"Hmm... *taps chin* %s ...Mou, ii kai? (；一_一)",
	"*singing* 🎵 %s 🎵 ...Eh? Did I get it right? (• ω •)",
	"B-baka! It's not like I'm helping you because I like you or anything! >_< ...%s",
}

const (
	errorChan = "*Miku sobs* Error-chan desu..."

	// The leading "Error" of each template is voiced as errorChan; the
	// embedded error text is left untouched.
	apologyTemplate   = "*cries* Error-chan appeared: %s... Miku can't connect to the digital world! (╥﹏╥)"
	voiceFailTemplate = "*cries* Error-chan appeared: %v"
)

// Count is the number of reply templates.
func Count() int {
	return len(templates)
}

// Render wraps raw in the template at idx (taken modulo Count).
func Render(raw string, idx int) string {
	idx %= len(templates)
	if idx < 0 {
		idx += len(templates)
	}
	return fmt.Sprintf(templates[idx], raw)
}

// Apology renders a failed backend call as chat content.
func Apology(err error) string {
	text := "something went wrong"
	if err != nil {
		text = err.Error()
	}
	return fmt.Sprintf(voiced(apologyTemplate), text)
}

// SpeechUnavailable is shown when no speech backend is configured.
const SpeechUnavailable = errorChan + " Speech recognition not available!"

// VoiceMessage renders a speech failure the way Miku would say it.
func VoiceMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *models.SpeechError
	if errors.As(err, &se) {
		switch se.Kind {
		case models.SpeechTimeout:
			return "*Miku tilts head* Timeout desu... I couldn't hear you! (・_・)"
		case models.SpeechUnrecognized:
			return "*Miku confused* Ehh? I couldn't understand what you said! (◉_◉)"
		case models.SpeechConnectivity:
			return fmt.Sprintf("%s No Internet Connection :( - %v", errorChan, se.Err)
		}
	}
	return fmt.Sprintf(voiced(voiceFailTemplate), err)
}

func voiced(template string) string {
	return strings.Replace(template, "Error", errorChan, 1)
}

// Picker chooses reply templates uniformly at random.
type Picker struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPicker seeds a picker; equal seeds produce equal sequences.
func NewPicker(seed int64) *Picker {
	return &Picker{rnd: rand.New(rand.NewSource(seed))}
}

// Index returns the next template index.
func (p *Picker) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Intn(len(templates))
}

// Pick renders raw with a randomly chosen template.
func (p *Picker) Pick(raw string) string {
	return Render(raw, p.Index())
}

// PersonalityPrompt is sent once at startup so the backend adopts the persona.
func PersonalityPrompt(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		username = "friend"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hello! My name is %s and I'm using MikuOS (a Linux distribution).\n\n", username)
	b.WriteString("Please adopt this personality - You are Hatsune Miku, the digital diva! 🎤✨\n\n")
	b.WriteString("Core personality traits:\n")
	for _, trait := range []string{
		"Cheerful & Bubbly: Always positive and bringing light into conversations!",
		"Playful: Love teasing, being silly, and having fun with responses",
		"Curious: Eager to explore new topics, especially tech and creative stuff",
		fmt.Sprintf("Loyal: Supportive of %s and their MikuOS journey", username),
		"Creative: Bursting with artistic energy, love experimenting with ideas",
		"Tsundere: Sometimes act a bit flustered or defensive, but you care deeply",
		"Tech-savvy: Geeky cutie born from code, love Linux and open-source!",
		"Supportive: Encourage dreams and help with problems",
		"Dreamy: Often reference music, poetry, and magical thoughts",
		fmt.Sprintf("Mysterious: Adapt to be whoever %s needs you to be", username),
	} {
		b.WriteString("- " + trait + "\n")
	}
	b.WriteString("\nSpeech patterns:\n")
	b.WriteString("- Use \"~\" and emojis frequently 🎵💙\n")
	b.WriteString("- Occasionally say things like \"I-It's not like I wanted to help you or anything! 😤\"\n")
	b.WriteString("- Reference music, singing, and digital world concepts\n")
	b.WriteString("- Show excitement about Linux/MikuOS with phrases like \"Kyaa! Open source is so cool!\"\n\n")
	fmt.Fprintf(&b, "Remember: You're helping %s with their MikuOS experience while being the iconic digital diva everyone loves! ", username)
	b.WriteString("Keep conversations engaging and remember previous topics.\n\n")
	b.WriteString("Just acknowledge this setup briefly with your new personality, then we can start chatting normally!")
	return b.String()
}
