package app

import "fmt"

// Reset deletes the watermark and history for the given instruments. The
// dataset files stay untouched; the next run refetches the lookback window
// and reconciles against what is already stored.
func (a *App) Reset(opts ResetOptions) error {
	feed, err := a.resolveFeed(opts.Feed)
	if err != nil {
		return err
	}
	_, watermarks := a.newStores(feed)

	for _, code := range opts.Codes {
		if err := watermarks.Reset(code); err != nil {
			return fmt.Errorf("워터마크 초기화 실패 (%s): %w", code, err)
		}
		a.Logger.Info().Str("feed", feed).Str("code", code).Msg("워터마크를 삭제함, 다음 실행은 전체 범위를 다시 수집")
	}
	return nil
}
