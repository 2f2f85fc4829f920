package sound

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// bytesPerFrame is what go-mp3 emits per sample: 16-bit little endian
// stereo.
const bytesPerFrame = 4

// Duration decodes the mp3 headers in b and returns the playing time.
func Duration(b []byte) (time.Duration, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("sound: couldn't decode mp3: %w", err)
	}
	length := decoder.Length()
	rate := decoder.SampleRate()
	if length <= 0 || rate <= 0 {
		return 0, errors.New("sound: unknown mp3 length")
	}
	frames := length / bytesPerFrame
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second)), nil
}
