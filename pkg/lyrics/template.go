package lyrics

import (
	"fmt"
	"strings"
)

type template struct {
	defaultName string
	title       string
	prompt      string
	he, she     string
	neutral     string
	verses      []string
}

var templates = map[string]template{
	"ko": {
		defaultName: "우리 아가",
		title:       "%s의 자장가",
		prompt:      "%s, %s를 위한 노래",
		he:          "씩씩한 우리 아들 %s",
		she:         "어여쁜 우리 딸 %s",
		neutral:     "사랑하는 우리 아가 %s",
		verses: []string{
			"[Verse]",
			"%s, 잘 자라 우리 아가",
			"%s",
			"달님이 창가에 내려와",
			"포근한 꿈을 덮어 주네",
			"[Chorus]",
			"자장자장 %s",
			"엄마 품에 안겨서",
			"별빛 따라 꿈나라로",
			"오늘도 사랑해",
			"[Verse]",
			"작은 손 꼭 잡고서",
			"하루를 함께 걸었지",
			"내일도 웃으며 만나자",
			"[Outro]",
			"잘 자라 %s",
		},
	},
	"en": {
		defaultName: "little one",
		title:       "A Lullaby for %s",
		prompt:      "%s, a song for %s",
		he:          "our brave little boy %s",
		she:         "our sweet little girl %s",
		neutral:     "our dearest %s",
		verses: []string{
			"[Verse]",
			"Hush now, %s, the stars are shining bright",
			"%s",
			"The moon is at the window",
			"Wrapping you in dreams tonight",
			"[Chorus]",
			"Sleep, sleep, %s",
			"Safe inside our arms",
			"Follow every little star",
			"We love you as you are",
			"[Verse]",
			"Tiny hands that hold so tight",
			"We walked the day together",
			"We will smile again at light",
			"[Outro]",
			"Goodnight, %s",
		},
	},
}

func lookup(lang string) template {
	if t, ok := templates[strings.ToLower(lang)]; ok {
		return t
	}
	return templates["ko"]
}

func (t template) name(subject string) string {
	if subject == "" {
		return t.defaultName
	}
	return subject
}

func (t template) pronounLine(subject, gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "boy", "male", "m", "son", "남", "남자", "아들":
		return fmt.Sprintf(t.he, subject)
	case "girl", "female", "f", "daughter", "여", "여자", "딸":
		return fmt.Sprintf(t.she, subject)
	default:
		return fmt.Sprintf(t.neutral, subject)
	}
}

// render fills the lyrics template. The first verse line carries the
// subject so truncation can anchor on it.
func (t template) render(subject, gender string) string {
	name := t.name(subject)
	lines := make([]string, 0, len(t.verses))
	for i, v := range t.verses {
		switch {
		case i == 2:
			lines = append(lines, t.pronounLine(name, gender))
		case strings.Contains(v, "%s"):
			lines = append(lines, fmt.Sprintf(v, name))
		default:
			lines = append(lines, v)
		}
	}
	return strings.Join(lines, "\n")
}
