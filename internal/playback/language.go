// SPDX-License-Identifier: MIT

package playback

import "golang.org/x/text/language"

// MatchSubtitleLanguage picks the subtitle track best matching the preferred
// language, honoring BCP-47 closeness (e.g. "pt" matches "pt-BR"). Returns
// nil when nothing matches with at least low confidence.
func MatchSubtitleLanguage(tracks []SubtitleTrack, preferred string) *SubtitleTrack {
	if preferred == "" || len(tracks) == 0 {
		return nil
	}
	want, err := language.Parse(preferred)
	if err != nil {
		return nil
	}

	tags := make([]language.Tag, 0, len(tracks))
	idx := make([]int, 0, len(tracks))
	for i, t := range tracks {
		code := t.LanguageCode
		if code == "" {
			code = t.Language
		}
		tag, err := language.Parse(code)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		idx = append(idx, i)
	}
	if len(tags) == 0 {
		return nil
	}

	matcher := language.NewMatcher(tags)
	_, i, conf := matcher.Match(want)
	if conf == language.No {
		return nil
	}
	return &tracks[idx[i]]
}

// MatchAudioLanguage picks the audio track best matching the preferred
// language, preferring the descriptor default on ties. Returns nil when
// nothing matches.
func MatchAudioLanguage(tracks []AudioTrack, preferred string) *AudioTrack {
	if preferred == "" || len(tracks) == 0 {
		return nil
	}
	want, err := language.Parse(preferred)
	if err != nil {
		return nil
	}

	tags := make([]language.Tag, 0, len(tracks))
	idx := make([]int, 0, len(tracks))
	for i, t := range tracks {
		tag, err := language.Parse(t.Language)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		idx = append(idx, i)
	}
	if len(tags) == 0 {
		return nil
	}

	matcher := language.NewMatcher(tags)
	_, i, conf := matcher.Match(want)
	if conf == language.No {
		return nil
	}
	return &tracks[idx[i]]
}
