package media

import (
	"context"
	"fmt"
	"time"

	"github.com/audara/audarad/internal/playback"
	"github.com/audara/audarad/internal/types"
)

const commandTimeout = 5 * time.Second

// Player is the part of the playback engine the media session drives.
type Player interface {
	State() playback.State
	Subscribe() (<-chan playback.State, func())
	PlayAt(ctx context.Context, index int) error
	PlayNext(ctx context.Context) error
	PlayPrevious(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMillis int64) error
	SetVolume(ctx context.Context, v float64) error
	ToggleLoop(ctx context.Context) (types.LoopMode, error)
}

// Bridge mirrors the player state into a Session and turns session commands
// into player calls.
type Bridge struct {
	session Session
	player  Player

	trackID int
	lastKey types.TrackKey
	lastIdx int
}

// NewBridge connects session and player. Commands are accepted immediately;
// state is mirrored once Run is called.
func NewBridge(session Session, player Player) *Bridge {
	b := &Bridge{session: session, player: player, lastIdx: -1}
	session.SetCommandHandler(b)
	return b
}

// Run mirrors state changes until ctx is done
func (b *Bridge) Run(ctx context.Context) {
	states, cancel := b.player.Subscribe()
	defer cancel()

	b.apply(b.player.State())
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			b.apply(st)
		}
	}
}

func (b *Bridge) apply(st playback.State) {
	var key types.TrackKey
	if st.Current != nil {
		key = st.Current.Key()
	}
	if key != b.lastKey || st.CurrentIndex != b.lastIdx {
		b.trackID++
		b.lastKey = key
		b.lastIdx = st.CurrentIndex

		md := Metadata{TrackID: b.trackID}
		if st.Current != nil {
			md.Title = st.Current.Title
			md.Artist = st.Current.Artist
			md.ArtURL = st.Current.ArtworkURL
			ms := st.Current.DurationMillis
			if ms <= 0 {
				ms = st.DurationMillis
			}
			md.Duration = time.Duration(ms) * time.Millisecond
		}
		if err := b.session.UpdateMetadata(md); err != nil {
			log.Debugf("update metadata: %v", err)
		}
	}

	state := StateStopped
	switch {
	case st.IsPlaying:
		state = StatePlaying
	case st.Current != nil:
		state = StatePaused
	}
	position := time.Duration(st.PositionMillis) * time.Millisecond
	if err := b.session.UpdatePlaybackState(state, position); err != nil {
		log.Debugf("update playback state: %v", err)
	}
	if err := b.session.UpdateLoopStatus(LoopStatusOf(st.Loop)); err != nil {
		log.Debugf("update loop status: %v", err)
	}
	if err := b.session.UpdateVolume(st.Volume); err != nil {
		log.Debugf("update volume: %v", err)
	}
}

// OnCommand implements CommandHandler
func (b *Bridge) OnCommand(cmd Command, data interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	log.Debugf("media command %s", cmd)
	switch cmd {
	case CmdPlay:
		return b.play(ctx)
	case CmdPause, CmdStop:
		return b.player.Pause(ctx)
	case CmdPlayPause:
		if b.player.State().IsPlaying {
			return b.player.Pause(ctx)
		}
		return b.play(ctx)
	case CmdNext:
		return b.player.PlayNext(ctx)
	case CmdPrevious:
		return b.player.PlayPrevious(ctx)
	case CmdSeek:
		pos, ok := data.(time.Duration)
		if !ok {
			return fmt.Errorf("seek: unexpected argument %T", data)
		}
		return b.player.Seek(ctx, pos.Milliseconds())
	case CmdSetVolume:
		v, ok := data.(float64)
		if !ok {
			return fmt.Errorf("volume: unexpected argument %T", data)
		}
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		return b.player.SetVolume(ctx, v)
	case CmdSetLoopStatus:
		status, ok := data.(LoopStatus)
		if !ok {
			return fmt.Errorf("loop status: unexpected argument %T", data)
		}
		return b.setLoop(ctx, loopModeOf(status))
	}
	return fmt.Errorf("unsupported command %s", cmd)
}

// play resumes the current track or starts the queue from the top
func (b *Bridge) play(ctx context.Context) error {
	st := b.player.State()
	if st.CurrentIndex < 0 && len(st.Queue) > 0 {
		return b.player.PlayAt(ctx, 0)
	}
	return b.player.Resume(ctx)
}

// setLoop cycles the loop mode until it matches want
func (b *Bridge) setLoop(ctx context.Context, want types.LoopMode) error {
	mode := b.player.State().Loop
	for i := 0; i < 3 && mode != want; i++ {
		var err error
		if mode, err = b.player.ToggleLoop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LoopStatusOf maps a queue loop mode to its MPRIS name
func LoopStatusOf(mode types.LoopMode) LoopStatus {
	switch mode {
	case types.LoopOne:
		return LoopTrack
	case types.LoopAll:
		return LoopPlaylist
	default:
		return LoopNone
	}
}

func loopModeOf(status LoopStatus) types.LoopMode {
	switch status {
	case LoopTrack:
		return types.LoopOne
	case LoopPlaylist:
		return types.LoopAll
	default:
		return types.LoopNone
	}
}
