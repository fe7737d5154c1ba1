package controller

import (
	"sync"

	"golang.org/x/net/http2"
)

// Self-advertised defaults: push disabled, 2MiB stream windows, 64KiB
// receive frames, 4KiB header table. The connection receive window is
// raised separately to ConnReceiveWindow right after the preface.
const (
	SelfHeaderTableSize     = 4096
	SelfInitialWindowSize   = 2 << 20
	SelfMaxFrameSize        = 64 << 10
	SelfMaxHeaderListSize   = 80 << 10
	ConnReceiveWindow       = 4 << 20
	initialConnWindow       = 65535 // RFC 9113 6.9.2 fixed starting value
)

func newSettingsMixin(c *Controller) settingsMixin {
	return settingsMixin{newPeerSettings(c), newSelfSettings()}
}

type settingsMixin struct {
	peerSettings, selfSettings *settings
}

func (s settingsMixin) GetPeerSetting(id http2.SettingID) uint32 {
	return s.peerSettings.GetSetting(id)
}

func (s settingsMixin) GetSelfSetting(id http2.SettingID) uint32 {
	return s.selfSettings.GetSetting(id)
}

// OnPeerSetting registers a callback for peer SETTINGS updates.
func (s settingsMixin) OnPeerSetting(id http2.SettingID, do func(value uint32)) {
	s.peerSettings.On(id, do)
}

func (s settingsMixin) advertiseSelfSettings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: SelfHeaderTableSize},
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: SelfInitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: SelfMaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: SelfMaxHeaderListSize},
	}
}

func newSelfSettings() *settings {
	s := [8]uint32{}
	s[http2.SettingHeaderTableSize] = SelfHeaderTableSize
	s[http2.SettingEnablePush] = 0
	s[http2.SettingMaxConcurrentStreams] = 1000
	s[http2.SettingInitialWindowSize] = SelfInitialWindowSize
	s[http2.SettingMaxFrameSize] = SelfMaxFrameSize
	s[http2.SettingMaxHeaderListSize] = SelfMaxHeaderListSize
	return &settings{settings: s}
}

// newPeerSettings starts from the RFC defaults, with concurrent streams
// capped at 1000, until the peer's first SETTINGS frame lands.
func newPeerSettings(c *Controller) *settings {
	s := [8]uint32{}
	s[http2.SettingHeaderTableSize] = 4096
	s[http2.SettingEnablePush] = 1
	s[http2.SettingMaxConcurrentStreams] = 1000
	s[http2.SettingInitialWindowSize] = initialConnWindow
	s[http2.SettingMaxFrameSize] = 16384
	s[http2.SettingMaxHeaderListSize] = 0xffffffff
	settings := &settings{settings: s}

	c.on[http2.FrameSettings] = func(f http2.Frame) {
		sf := f.(*http2.SettingsFrame)
		if sf.IsAck() {
			c.markSelfSettingsAcked()
			return
		}
		if err := settings.UpdateFrom(sf); err != nil {
			c.GoAwayDebug(0, http2.ErrCodeProtocol, []byte("invalid settings"))
			return
		}
		_ = c.WriteSettingsAck()
		c.markPeerSettingsSeen()
	}
	return settings
}

// settings is a set of http2 settings
type settings struct {
	settings [8]uint32               // http2.SettingID -> Val
	on       [8][]func(value uint32) // 8 -> max settings id
	mu       sync.RWMutex
}

// On registers callback on server pushed settings to client
func (s *settings) On(id http2.SettingID, do func(value uint32)) {
	s.on[id] = append(s.on[id], do)
}

func (s *settings) UpdateFrom(frame *http2.SettingsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.ForeachSetting(func(i http2.Setting) error {
		if err := i.Valid(); err != nil {
			return err
		}
		if int(i.ID) < len(s.on) {
			for _, v := range s.on[i.ID] {
				v(i.Val)
			}
		}
		if int(i.ID) < len(s.settings) {
			s.settings[i.ID] = i.Val
		}
		return nil
	})
}

func (s *settings) GetSetting(id http2.SettingID) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[id]
}
