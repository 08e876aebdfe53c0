package notify

import (
	"fmt"
	"strings"
	"time"
)

// MaxMessageLength はチャット基盤の1メッセージあたりの最大文字数。
const MaxMessageLength = 4096

// continuationMarker は分割メッセージの2通目以降に付ける継続マーク。
const continuationMarker = "（続き）\n"

// ExpiryNotice は有効期限接近の通知本文を生成する。
// 絶対日時と相対表現（残り日数）の両方を含める。
func ExpiryNotice(username, plan string, expiresAt time.Time, daysRemaining int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s さん、アカウントの有効期限が近づいています。\n", username)
	if plan != "" {
		fmt.Fprintf(&b, "プラン: %s\n", plan)
	}
	fmt.Fprintf(&b, "有効期限: %s", expiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	switch {
	case daysRemaining <= 0:
		b.WriteString("（本日中に失効します）")
	case daysRemaining == 1:
		b.WriteString("（残り1日）")
	default:
		fmt.Fprintf(&b, "（残り%d日）", daysRemaining)
	}
	b.WriteString("\n継続を希望する場合は管理者に連絡してください。")
	return b.String()
}

// InviteNotice は招待リンク発行の通知本文を生成する。
// baseURLが空の場合はコードのみを案内する。
func InviteNotice(username, plan, code, baseURL string, accountDays int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s さんに招待リンクが発行されました。\n", username)
	if plan != "" {
		fmt.Fprintf(&b, "プラン: %s\n", plan)
	}
	if baseURL != "" {
		fmt.Fprintf(&b, "リンク: %s/%s\n", strings.TrimRight(baseURL, "/"), code)
	} else {
		fmt.Fprintf(&b, "招待コード: %s\n", code)
	}
	if accountDays > 0 {
		fmt.Fprintf(&b, "アカウント有効期間: %d日\n", accountDays)
	}
	b.WriteString("リンクは一度だけ使用できます。")
	return b.String()
}

// Chunk は本文をMaxMessageLength以下の断片に分割する。
// 可能な限り改行位置で区切り、2通目以降には継続マークを付ける。
// 継続マークを含めた各断片がMaxMessageLengthを超えることはない。
func Chunk(message string) []string {
	runes := []rune(message)
	if len(runes) <= MaxMessageLength {
		return []string{message}
	}

	marker := []rune(continuationMarker)
	var chunks []string
	first := true
	for len(runes) > 0 {
		limit := MaxMessageLength
		if !first {
			limit -= len(marker)
		}
		if len(runes) <= limit {
			chunks = append(chunks, buildChunk(runes, first))
			break
		}

		// 上限以内の最後の改行位置で区切る。改行が無ければ上限で強制分割する。
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}

		chunks = append(chunks, buildChunk(runes[:cut], first))
		runes = runes[cut:]
		first = false
	}
	return chunks
}

func buildChunk(runes []rune, first bool) string {
	if first {
		return string(runes)
	}
	return continuationMarker + string(runes)
}
