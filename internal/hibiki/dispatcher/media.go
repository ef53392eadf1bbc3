package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
	"github.com/bdobrica/Hibiki/internal/hibiki/media"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

func transcriptKey(fp string) string { return "media:transcript:" + fp }
func imageKey(fp string) string      { return "media:image:" + fp }

// resolveText returns the text the AI should answer and the turn kind.
// When done is true the pipeline ends with out.
func (d *Dispatcher) resolveText(ctx context.Context, j *job) (text, kind string, out Outcome, done bool) {
	msg := j.msg
	switch msg.MediaKind {
	case session.MediaNone:
		return strings.TrimSpace(msg.Body), "text", 0, false
	case session.MediaAudio:
		text, out, done = d.transcribe(ctx, j)
		return text, string(session.MediaAudio), out, done
	case session.MediaImage:
		text, out, done = d.describe(ctx, j)
		return text, string(session.MediaImage), out, done
	default:
		j.step = "media"
		d.notify(ctx, j, locale.KeyUnsupportedMedia, nil)
		j.logger.Info("dispatcher: unsupported media", "media_kind", msg.MediaKind)
		return "", "", Unsupported, true
	}
}

// download fetches the attachment, answering the user when it cannot.
func (d *Dispatcher) download(ctx context.Context, j *job) ([]byte, bool) {
	j.step = "download"
	if j.msg.Media == nil {
		d.notify(ctx, j, locale.KeyMediaUnavailable, nil)
		return nil, false
	}
	dlCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	data, err := d.Media.DownloadMedia(dlCtx, *j.msg.Media)
	if err != nil {
		j.logger.Warn("dispatcher: media download failed", "step", j.step, "err", err)
		d.notify(ctx, j, locale.KeyMediaUnavailable, nil)
		return nil, false
	}
	return data, true
}

func (d *Dispatcher) transcribe(ctx context.Context, j *job) (string, Outcome, bool) {
	data, ok := d.download(ctx, j)
	if !ok {
		return "", Failed, true
	}

	j.step = "validate_audio"
	ref := j.msg.Media
	audio, err := media.ValidateAudio(data, ref.MimeType, ref.Duration, d.cfg.MaxAudioBytes)
	if err != nil {
		j.logger.Info("dispatcher: audio rejected", "step", j.step, "err", err)
		d.notify(ctx, j, locale.KeyMediaInvalid, nil)
		return "", Failed, true
	}

	fp := media.Fingerprint(audio.Data)
	cached, found, err := cache.GetValue[string](ctx, d.Cache, transcriptKey(fp))
	if err != nil {
		j.logger.Warn("dispatcher: transcript cache read failed", "err", err)
	}
	if found {
		j.logger.Debug("dispatcher: transcript cache hit", "fingerprint", fp)
		return cached, 0, false
	}

	j.step = "transcription_quota"
	minutes := audio.Minutes()
	if out, done := d.checkQuota(ctx, j, guard.FeatureTranscriptionMinutes, minutes); done {
		return "", out, true
	}

	j.step = "transcribe"
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	tr, err := d.Provider.Transcribe(callCtx, audio.Data, audio.MimeType, j.lang)
	cancel()
	if err != nil {
		return "", d.fail(ctx, j, err), true
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		j.logger.Info("dispatcher: empty transcript")
		return "", Ignored, true
	}

	if err := cache.SetValue(ctx, d.Cache, transcriptKey(fp), text, d.cfg.MediaCacheTTL); err != nil {
		j.logger.Warn("dispatcher: transcript cache write failed", "err", err)
	}
	if _, err := d.Guard.IncrementUsage(ctx, j.sub, guard.FeatureTranscriptionMinutes, minutes); err != nil {
		j.logger.Warn("dispatcher: failed to record usage", "feature", guard.FeatureTranscriptionMinutes, "err", err)
	}
	j.logger.Info("dispatcher: audio transcribed", "minutes", minutes, "language", tr.Language)
	return text, 0, false
}

func (d *Dispatcher) describe(ctx context.Context, j *job) (string, Outcome, bool) {
	data, ok := d.download(ctx, j)
	if !ok {
		return "", Failed, true
	}

	j.step = "prepare_image"
	img, err := media.PrepareImage(data, d.cfg.MaxImageBytes, d.cfg.ImageMaxDim)
	if err != nil {
		j.logger.Info("dispatcher: image rejected", "step", j.step, "err", err)
		if !errors.Is(err, media.ErrInvalid) {
			return "", d.fail(ctx, j, err), true
		}
		d.notify(ctx, j, locale.KeyMediaInvalid, nil)
		return "", Failed, true
	}

	caption := strings.TrimSpace(j.msg.MediaCaption)
	// The caption steers the description, so it is part of the key.
	fp := media.Fingerprint(data)
	if caption != "" {
		fp += "." + media.Fingerprint([]byte(caption))[:16]
	}
	key := imageKey(fp)
	description, found, err := cache.GetValue[string](ctx, d.Cache, key)
	if err != nil {
		j.logger.Warn("dispatcher: image cache read failed", "err", err)
	}

	if !found {
		j.step = "image_quota"
		if out, done := d.checkQuota(ctx, j, guard.FeatureImageAnalyses, 1); done {
			return "", out, true
		}

		j.step = "analyze_image"
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		analysis, err := d.Provider.AnalyzeImage(callCtx, img.DataURL(), caption)
		cancel()
		if err != nil {
			return "", d.fail(ctx, j, err), true
		}
		description = strings.TrimSpace(analysis.Description)

		if err := cache.SetValue(ctx, d.Cache, key, description, d.cfg.MediaCacheTTL); err != nil {
			j.logger.Warn("dispatcher: image cache write failed", "err", err)
		}
		if _, err := d.Guard.IncrementUsage(ctx, j.sub, guard.FeatureImageAnalyses, 1); err != nil {
			j.logger.Warn("dispatcher: failed to record usage", "feature", guard.FeatureImageAnalyses, "err", err)
		}
		j.logger.Info("dispatcher: image analysed", "source", img.Source, "width", img.Width, "height", img.Height)
	}

	text := d.Catalog.Text(j.lang, locale.KeyImagePrefix, locale.Args{"description": description})
	if caption != "" {
		text += "\n" + d.Catalog.Text(j.lang, locale.KeyImageCaption, locale.Args{"caption": caption})
	}
	return text, 0, false
}
