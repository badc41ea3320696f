package app

import "errors"

// Init rebuilds watermark metadata by scanning the dataset files already on
// disk. Useful after adopting CSVs produced elsewhere, or when the metadata
// directory was lost.
func (a *App) Init(opts InitOptions) error {
	feed, err := a.resolveFeed(opts.Feed)
	if err != nil {
		return err
	}
	datasets, watermarks := a.newStores(feed)

	codes, err := datasets.Codes()
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		a.Logger.Info().Str("feed", feed).Str("dir", datasets.Dir()).Msg("재구축할 데이터셋이 없음")
		return nil
	}

	processed, failed := 0, 0
	for _, code := range codes {
		sum, err := datasets.Summarize(code)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("code", code).Msg("데이터셋 요약 실패")
			continue
		}

		lastDate := normalizeLegacyDate(sum.LastDate)
		err = watermarks.Rebuild(code, feed, sum.Rows, normalizeLegacyDate(sum.FirstDate), lastDate, sum.SHA256)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("code", code).Msg("워터마크 재구축 실패")
			continue
		}
		processed++
		a.Logger.Debug().Str("code", code).Str("last_date", lastDate).Int("rows", sum.Rows).Msg("워터마크 재구축")
	}

	a.Logger.Info().Str("feed", feed).Int("processed", processed).Int("failed", failed).Msg("워터마크 재구축 완료")
	if failed > 0 {
		return errors.New("일부 종목의 워터마크 재구축 실패, 로그를 확인하세요")
	}
	return nil
}

// normalizeLegacyDate accepts CSVs written before date normalization: a bare
// YYYYMMDD value becomes YYYY-MM-DD, anything else passes through.
func normalizeLegacyDate(s string) string {
	if len(s) != 8 {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}
