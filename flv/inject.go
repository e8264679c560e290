package flv

import (
	"fmt"
	"log/slog"
)

// DefaultKeyframeCapacity sizes the reserved keyframe index: at one keyframe
// every two seconds this covers roughly a two-hour recording per file.
const DefaultKeyframeCapacity = 3600

// InjectorConfig configures the metadata injector.
type InjectorConfig struct {
	// Creator is stamped into metadatacreator. Empty keeps the default.
	Creator string
	// KeyframeCapacity is the number of keyframes the placeholder index can
	// hold once the writer patches it. Zero uses DefaultKeyframeCapacity.
	KeyframeCapacity int
}

const defaultCreator = "remux"

// MetadataInjector rewrites the stream's onMetaData object into a form the
// writer can complete in place: typed fields reconciled (unknown keys kept
// verbatim), a placeholder keyframe index reserving space at a fixed offset,
// and zeroed duration/filesize/lasttimestamp fields for later patching. A
// stream that reaches its first media tag without carrying onMetaData gets a
// synthesized one, so every output file is seekable.
type MetadataInjector struct {
	cfg      InjectorConfig
	log      *slog.Logger
	injected bool
}

// NewMetadataInjector creates the injector stage. A nil logger falls back to
// slog.Default.
func NewMetadataInjector(cfg InjectorConfig, log *slog.Logger) *MetadataInjector {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Creator == "" {
		cfg.Creator = defaultCreator
	}
	if cfg.KeyframeCapacity <= 0 {
		cfg.KeyframeCapacity = DefaultKeyframeCapacity
	}
	return &MetadataInjector{cfg: cfg, log: log.With("stage", "metadata-injector")}
}

// Name implements pipeline.Processor.
func (m *MetadataInjector) Name() string { return "metadata-injector" }

// Process implements pipeline.Processor.
func (m *MetadataInjector) Process(rec Record, emit func(Record)) error {
	tag, ok := rec.(*Tag)
	if !ok {
		emit(rec)
		return nil
	}

	switch tag.Type {
	case TagScriptData:
		return m.processScriptData(tag, emit)

	case TagAudio, TagVideo:
		if !m.injected {
			// The stream carries no onMetaData before its first media tag;
			// synthesize one so the writer has an index to patch.
			synth, err := m.rebuild(ReconcileMetadata(nil))
			if err != nil {
				return err
			}
			m.log.Info("synthesized onMetaData", "capacity", m.cfg.KeyframeCapacity)
			emit(synth)
			m.injected = true
		}
		emit(rec)
		return nil

	default:
		emit(rec)
		return nil
	}
}

// Finish implements pipeline.Processor; the injector emits synchronously and
// holds nothing back.
func (m *MetadataInjector) Finish(emit func(Record)) error {
	return nil
}

func (m *MetadataInjector) processScriptData(tag *Tag, emit func(Record)) error {
	name, props, err := DecodeScriptData(tag.Data)
	if err != nil || name != "onMetaData" || m.injected {
		// Undecodable script tags and extra onMetaData objects pass through
		// untouched; a repair must not drop data it does not understand.
		emit(tag)
		return nil
	}

	md := ReconcileMetadata(props)
	rebuilt, err := m.rebuild(md)
	if err != nil {
		return err
	}
	rebuilt.Timestamp = tag.Timestamp
	rebuilt.StreamID = tag.StreamID
	m.log.Info("rewrote onMetaData",
		"keys", len(props),
		"capacity", m.cfg.KeyframeCapacity,
	)
	emit(rebuilt)
	m.injected = true
	return nil
}

// rebuild stamps the patchable fields and serializes md back into a
// ScriptData tag.
func (m *MetadataInjector) rebuild(md *Metadata) (*Tag, error) {
	md.SetMetadataCreator(m.cfg.Creator)
	if md.Duration == nil {
		md.SetDuration(0)
	}
	if md.FileSize == nil {
		md.SetFileSize(0)
	}
	if md.LastTimestamp == nil {
		md.SetLastTimestamp(0)
	}
	md.SetKeyframes(NewPlaceholderIndex(m.cfg.KeyframeCapacity))

	data, err := EncodeScriptData("onMetaData", md.Properties())
	if err != nil {
		return nil, fmt.Errorf("flv: rebuild onMetaData: %w", err)
	}
	return &Tag{Type: TagScriptData, Data: data}, nil
}
