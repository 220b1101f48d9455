// Package pipeline holds the pure domain logic of the orchestration engine:
// compiling a creation request into its step template and credit cost, and
// deriving job status from step state. Nothing here touches I/O, so identical
// input always yields identical output.
package pipeline

import (
	"errors"
	"fmt"
)

// Job kinds
const (
	KindSingleImage    = "single_image"
	KindMultiImage     = "multi_image"
	KindCarousel       = "carousel"
	KindMultiClipVideo = "multi_clip_video"
	KindCampaignPack   = "campaign_pack"
)

// Step types. Each maps to exactly one external generation call.
const (
	StepGenImage          = "gen_image"
	StepPlanSlides        = "plan_slides"
	StepGenSlide          = "gen_slide"
	StepAssembleCarousel  = "assemble_carousel"
	StepPlanScript        = "plan_script"
	StepPlanAssets        = "plan_assets"
	StepGenKeyframe       = "gen_keyframe"
	StepAnimateClip       = "animate_clip"
	StepVoiceover         = "voiceover"
	StepMusic             = "music"
	StepConcatClips       = "concat_clips"
	StepMixAudio          = "mix_audio"
	StepRenderVariant     = "render_variant"
	StepExtractThumbnails = "extract_thumbnails"
	StepRenderCover       = "render_cover"
	StepDeliver           = "deliver"
)

// Credit cost weights per unit of work.
const (
	costImageUnit    = 1
	costCarouselFlat = 10
	costClipUnit     = 25
)

// maxUnits bounds count-bearing kinds so a single request cannot expand into
// an unbounded step set.
const maxUnits = 20

// ErrInvalidSpec rejects a request before any credit is reserved.
var ErrInvalidSpec = errors.New("invalid job spec")

// Params are the count-bearing knobs of a job spec. Counts default to 1 when
// left at zero.
type Params struct {
	ImageCount int `json:"image_count,omitempty"`
	SlideCount int `json:"slide_count,omitempty"`
	ClipCount  int `json:"clip_count,omitempty"`
}

// Compile maps a job kind to its ordered step template and deterministic
// credit cost. Count-bearing kinds expand a single repeatable step type N
// times while keeping one terminal deliver step. The cost is clamped to a
// minimum of 1.
func Compile(kind string, params Params) ([]string, int, error) {
	var steps []string
	var cost int

	switch kind {
	case KindSingleImage:
		steps = []string{StepGenImage, StepDeliver}
		cost = costImageUnit

	case KindMultiImage:
		n, err := unitCount(params.ImageCount, "image_count")
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, repeat(StepGenImage, n)...)
		steps = append(steps, StepDeliver)
		cost = n * costImageUnit

	case KindCarousel:
		n, err := unitCount(params.SlideCount, "slide_count")
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, StepPlanSlides)
		steps = append(steps, repeat(StepGenSlide, n)...)
		steps = append(steps, StepAssembleCarousel, StepDeliver)
		// Carousels cost a flat rate regardless of slide count.
		cost = costCarouselFlat

	case KindMultiClipVideo:
		n, err := unitCount(params.ClipCount, "clip_count")
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, StepPlanScript)
		steps = append(steps, videoBody(n)...)
		steps = append(steps, StepDeliver)
		cost = n * costClipUnit

	case KindCampaignPack:
		n, err := unitCount(params.ClipCount, "clip_count")
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, StepPlanAssets)
		steps = append(steps, videoBody(n)...)
		steps = append(steps, StepRenderVariant, StepExtractThumbnails, StepRenderCover, StepDeliver)
		// Sum of constituent weights: the clip renders, the re-rendered
		// variant (clip-weight), and the thumbnail/cover stills (image-weight).
		cost = n*costClipUnit + costClipUnit + 2*costImageUnit

	default:
		return nil, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}

	if cost < 1 {
		cost = 1
	}
	return steps, cost, nil
}

// videoBody is the shared clip-render pipeline of the video-bearing kinds.
func videoBody(clips int) []string {
	steps := repeat(StepGenKeyframe, clips)
	steps = append(steps, repeat(StepAnimateClip, clips)...)
	steps = append(steps, StepVoiceover, StepMusic, StepConcatClips, StepMixAudio)
	return steps
}

func unitCount(n int, field string) (int, error) {
	if n == 0 {
		return 1, nil
	}
	if n < 1 || n > maxUnits {
		return 0, fmt.Errorf("%w: %s must be between 1 and %d, got %d", ErrInvalidSpec, field, maxUnits, n)
	}
	return n, nil
}

func repeat(stepType string, n int) []string {
	steps := make([]string, n)
	for i := range steps {
		steps[i] = stepType
	}
	return steps
}
