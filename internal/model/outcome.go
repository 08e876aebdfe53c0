package model

// Outcome はリモート/ローカル各ステップの実行結果を表す。
// 2つのシステムが乖離しうるため、単一の成功/失敗ではなく
// ステップごとの結果を呼び出し元に返す。
type Outcome string

const (
	// OutcomeSuccess はステップが成功したことを示す。
	OutcomeSuccess Outcome = "success"
	// OutcomeNotFound は対象がリモート側に存在しなかったことを示す。
	// エラーではなく情報的な結果として扱う（ローカル側の後始末は続行する）。
	OutcomeNotFound Outcome = "not_found"
	// OutcomeFailed はステップが失敗したことを示す。
	OutcomeFailed Outcome = "failed"
	// OutcomeNotAttempted はステップが実行されなかったことを示す。
	OutcomeNotAttempted Outcome = "not_attempted"
)
