//go:build linux

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusName         = "org.mpris.MediaPlayer2.audarad"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	propertiesInterface  = "org.freedesktop.DBus.Properties"

	identity = "Audara"
)

// MPRISSession implements the MPRIS media session over the D-Bus session bus
type MPRISSession struct {
	conn *dbus.Conn

	mu         sync.Mutex
	handler    CommandHandler
	metadata   Metadata
	state      PlaybackState
	position   time.Duration
	volume     float64
	loopStatus LoopStatus
}

// NewSession claims the audarad MPRIS bus name and exports the player
func NewSession() (Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(mprisBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", mprisBusName)
	}

	s := &MPRISSession{
		conn:       conn,
		state:      StateStopped,
		volume:     1.0,
		loopStatus: LoopNone,
	}

	for _, iface := range []string{mprisInterface, mprisPlayerInterface, propertiesInterface} {
		if err := conn.Export(s, dbus.ObjectPath(mprisObjectPath), iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to export %s: %w", iface, err)
		}
	}

	log.Infof("registered %s", mprisBusName)
	return s, nil
}

// UpdateMetadata updates the track metadata
func (s *MPRISSession) UpdateMetadata(metadata Metadata) error {
	s.mu.Lock()
	s.metadata = metadata
	m := s.metadataMapLocked()
	s.mu.Unlock()

	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"Metadata": dbus.MakeVariant(m),
	})
}

// UpdatePlaybackState updates the playback state. Position is only announced
// through Seeked when playback starts; clients extrapolate it from Rate.
func (s *MPRISSession) UpdatePlaybackState(state PlaybackState, position time.Duration) error {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.position = position
	status := s.playbackStatusLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if state == StatePlaying {
		if err := s.emitSeeked(position); err != nil {
			log.Debugf("emit Seeked: %v", err)
		}
	}
	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(status),
	})
}

func (s *MPRISSession) emitSeeked(position time.Duration) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		mprisPlayerInterface+".Seeked",
		position.Microseconds(),
	)
}

// UpdateLoopStatus updates the loop/repeat mode
func (s *MPRISSession) UpdateLoopStatus(status LoopStatus) error {
	s.mu.Lock()
	if s.loopStatus == status {
		s.mu.Unlock()
		return nil
	}
	s.loopStatus = status
	s.mu.Unlock()

	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"LoopStatus": dbus.MakeVariant(string(status)),
	})
}

// UpdateVolume updates the reported volume
func (s *MPRISSession) UpdateVolume(volume float64) error {
	s.mu.Lock()
	if s.volume == volume {
		s.mu.Unlock()
		return nil
	}
	s.volume = volume
	s.mu.Unlock()

	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"Volume": dbus.MakeVariant(volume),
	})
}

// SetCommandHandler sets the handler for media commands
func (s *MPRISSession) SetCommandHandler(handler CommandHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Close releases the bus name
func (s *MPRISSession) Close() error {
	if s.conn == nil {
		return nil
	}
	s.conn.ReleaseName(mprisBusName)
	return s.conn.Close()
}

func (s *MPRISSession) dispatch(cmd Command, data interface{}) *dbus.Error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.OnCommand(cmd, data); err != nil {
		log.Warnf("%s: %v", cmd, err)
		return dbus.MakeFailedError(err)
	}
	return nil
}

// org.mpris.MediaPlayer2

func (s *MPRISSession) Raise() *dbus.Error { return nil }

func (s *MPRISSession) Quit() *dbus.Error { return nil }

// org.mpris.MediaPlayer2.Player

func (s *MPRISSession) Play() *dbus.Error { return s.dispatch(CmdPlay, nil) }

func (s *MPRISSession) Pause() *dbus.Error { return s.dispatch(CmdPause, nil) }

func (s *MPRISSession) PlayPause() *dbus.Error { return s.dispatch(CmdPlayPause, nil) }

func (s *MPRISSession) Stop() *dbus.Error { return s.dispatch(CmdStop, nil) }

func (s *MPRISSession) Next() *dbus.Error { return s.dispatch(CmdNext, nil) }

func (s *MPRISSession) Previous() *dbus.Error { return s.dispatch(CmdPrevious, nil) }

// Seek moves relative to the current position; offset is in microseconds
func (s *MPRISSession) Seek(offset int64) *dbus.Error {
	s.mu.Lock()
	pos := s.position + time.Duration(offset)*time.Microsecond
	s.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	return s.dispatch(CmdSeek, pos)
}

func (s *MPRISSession) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	s.mu.Lock()
	current := trackPath(s.metadata.TrackID)
	s.mu.Unlock()
	if trackID != current {
		// stale request for a previous track
		return nil
	}
	return s.dispatch(CmdSeek, time.Duration(position)*time.Microsecond)
}

func (s *MPRISSession) OpenUri(uri string) *dbus.Error {
	return dbus.MakeFailedError(fmt.Errorf("OpenUri not supported"))
}

// org.freedesktop.DBus.Properties

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	var all map[string]dbus.Variant
	switch iface {
	case mprisInterface:
		all = s.rootProperties()
	case mprisPlayerInterface:
		all = s.playerProperties()
	default:
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
	}
	return v, nil
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return s.rootProperties(), nil
	case mprisPlayerInterface:
		return s.playerProperties(), nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface {
		return nil
	}

	switch prop {
	case "LoopStatus":
		status, ok := value.Value().(string)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("invalid type for LoopStatus"))
		}
		return s.dispatch(CmdSetLoopStatus, LoopStatus(status))
	case "Volume":
		volume, ok := value.Value().(float64)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("invalid type for Volume"))
		}
		return s.dispatch(CmdSetVolume, volume)
	}
	return nil
}

func (s *MPRISSession) rootProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(identity),
		"DesktopEntry":        dbus.MakeVariant("audarad"),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"http", "https"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/mpeg", "audio/aac", "audio/ogg"}),
	}
}

func (s *MPRISSession) playerProperties() map[string]dbus.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasTrack := s.metadata.Title != ""
	return map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(s.playbackStatusLocked()),
		"LoopStatus":     dbus.MakeVariant(string(s.loopStatus)),
		"Metadata":       dbus.MakeVariant(s.metadataMapLocked()),
		"Position":       dbus.MakeVariant(s.position.Microseconds()),
		"Volume":         dbus.MakeVariant(s.volume),
		"Rate":           dbus.MakeVariant(1.0),
		"MinimumRate":    dbus.MakeVariant(1.0),
		"MaximumRate":    dbus.MakeVariant(1.0),
		"Shuffle":        dbus.MakeVariant(false),
		"CanGoNext":      dbus.MakeVariant(hasTrack),
		"CanGoPrevious":  dbus.MakeVariant(hasTrack),
		"CanPlay":        dbus.MakeVariant(hasTrack),
		"CanPause":       dbus.MakeVariant(hasTrack),
		"CanSeek":        dbus.MakeVariant(hasTrack),
		"CanControl":     dbus.MakeVariant(true),
	}
}

func (s *MPRISSession) playbackStatusLocked() string {
	switch s.state {
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

func trackPath(id int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/audara/track/%d", id))
}

func (s *MPRISSession) metadataMapLocked() map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(trackPath(s.metadata.TrackID)),
	}
	if s.metadata.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(s.metadata.Title)
	}
	if s.metadata.Artist != "" {
		m["xesam:artist"] = dbus.MakeVariant([]string{s.metadata.Artist})
	}
	if s.metadata.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(s.metadata.Duration.Microseconds())
	}
	if s.metadata.ArtURL != "" {
		m["mpris:artUrl"] = dbus.MakeVariant(s.metadata.ArtURL)
	}
	return m
}

func (s *MPRISSession) emitPropertiesChanged(props map[string]dbus.Variant) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		propertiesInterface+".PropertiesChanged",
		mprisPlayerInterface,
		props,
		[]string{},
	)
}
