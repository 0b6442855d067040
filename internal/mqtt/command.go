package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// TopicCalibrate receives finger-stick values to calibrate against
const TopicCalibrate = "calibrate"

// ErrBadCalibration is returned for payloads without a usable glucose value
var ErrBadCalibration = errors.New("invalid calibration payload")

// CalibrationPayload is the JSON form of a calibration request. Exactly one field is set.
type CalibrationPayload struct {
	MgDL  float64 `json:"mgdl,omitempty"`
	MmolL float64 `json:"mmol,omitempty"`
}

// ParseCalibration reads a calibration value in mg/dL from a plain number
// or a CalibrationPayload document.
func ParseCalibration(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, ErrBadCalibration
	}

	var value float64
	if strings.HasPrefix(text, "{") {
		var p CalibrationPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadCalibration, err)
		}
		switch {
		case p.MgDL > 0 && p.MmolL > 0:
			return 0, fmt.Errorf("%w: both mgdl and mmol set", ErrBadCalibration)
		case p.MgDL > 0:
			value = p.MgDL
		case p.MmolL > 0:
			value = models.ToMgdl(p.MmolL)
		}
	} else {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadCalibration, err)
		}
		value = v
	}

	if value <= 0 {
		return 0, fmt.Errorf("%w: value must be positive", ErrBadCalibration)
	}
	return value, nil
}

// SubscribeCalibration calls handler with every valid value published to the
// calibrate topic. The handler runs on its own goroutine.
func (p *RealPublisher) SubscribeCalibration(handler func(float64)) error {
	p.mu.Lock()
	p.onCalibrate = handler
	p.mu.Unlock()
	return p.subscribe(handler)
}

func (p *RealPublisher) resubscribe() {
	p.mu.Lock()
	handler := p.onCalibrate
	p.mu.Unlock()
	if handler == nil {
		return
	}
	// Runs on the paho callback goroutine, so no waiting on the token
	p.client.Subscribe(JoinTopic(p.prefix, TopicCalibrate), 1, calibrationCallback(handler))
}

func (p *RealPublisher) subscribe(handler func(float64)) error {
	topic := JoinTopic(p.prefix, TopicCalibrate)
	token := p.client.Subscribe(topic, 1, calibrationCallback(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.WithField("topic", topic).Info("Listening for calibrations")
	return nil
}

func calibrationCallback(handler func(float64)) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if msg.Retained() {
			// A retained value would recalibrate on every restart
			log.WithField("topic", msg.Topic()).Warn("Ignoring retained calibration message")
			return
		}
		value, err := ParseCalibration(msg.Payload())
		if err != nil {
			log.WithError(err).WithField("payload", string(msg.Payload())).Warn("Ignoring calibration message")
			return
		}
		go handler(value)
	}
}
