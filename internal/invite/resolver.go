package invite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/inviteman/internal/model"
	"github.com/hitoshi/inviteman/internal/repository"
)

// resolution は除去対象の解決結果。
// 解決経路によってはチャットユーザーIDやリモートユーザー名が欠けることがある。
type resolution struct {
	userID        string // チャットユーザーID（空=不明）
	username      string // 表示名
	jfaUsername   string // リモートユーザー名（空=不明）
	invite        *model.Invite
	note          string // どの経路で特定したかの説明
	lowConfidence bool   // 検証なしの強制解決
}

var (
	mentionPattern   = regexp.MustCompile(`^<@!?(\d+)>$`)
	numericIDPattern = regexp.MustCompile(`^\d{15,21}$`)
)

// resolveTarget は識別子から除去対象を順序付きの戦略で解決する。
// 戦略: 直接ID → メンション → ミラーのリモートユーザー名 →
// ローカル表示名 → 強制ユーザー名（低信頼）。
// 複数候補の曖昧さはエラーとして返し、最初の1件を暗黙に選ばない。
func (s *Service) resolveTarget(ctx context.Context, identifier string) (*resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, model.NewTargetNotFoundError(identifier)
	}

	strategies := []func(context.Context, string) (*resolution, error){
		s.resolveDirectID,
		s.resolveMention,
		s.resolveCachedUsername,
		s.resolveLocalDisplayName,
		s.resolveForceUsername,
	}
	for _, strategy := range strategies {
		res, err := strategy(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, model.NewTargetNotFoundError(identifier)
}

// resolveDirectID は識別子をチャットユーザーIDそのものとして解決する。
func (s *Service) resolveDirectID(ctx context.Context, identifier string) (*resolution, error) {
	if !numericIDPattern.MatchString(identifier) {
		return nil, nil
	}
	return s.resolveByUserID(ctx, identifier, "チャットユーザーIDで特定")
}

// resolveMention はメンション形式（<@id> / <@!id>）から解決する。
func (s *Service) resolveMention(ctx context.Context, identifier string) (*resolution, error) {
	m := mentionPattern.FindStringSubmatch(identifier)
	if m == nil {
		return nil, nil
	}
	return s.resolveByUserID(ctx, m[1], "メンションで特定")
}

// resolveByUserID はチャットユーザーIDからローカル招待とミラーを引く。
func (s *Service) resolveByUserID(ctx context.Context, userID, note string) (*resolution, error) {
	inv, err := s.inviteRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find invite by id: %w", err)
	}

	mirror, err := s.userRepo.FindByDiscordID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find mirror by discord id: %w", err)
	}

	if inv == nil && mirror == nil {
		return nil, nil
	}

	res := &resolution{userID: userID, invite: inv, note: note}
	if inv != nil {
		res.username = inv.Username
	}
	if mirror != nil {
		res.jfaUsername = mirror.Username
		if res.username == "" {
			res.username = mirror.Username
		}
	} else if inv != nil && inv.JfaUserID != "" {
		// ミラーのリンクが無くても招待側にリモートIDがあれば名前を引ける
		if byID, idErr := s.userRepo.FindByID(ctx, inv.JfaUserID); idErr == nil && byID != nil {
			res.jfaUsername = byID.Username
		}
	}
	return res, nil
}

// resolveCachedUsername はミラーのリモートユーザー名から解決する。
func (s *Service) resolveCachedUsername(ctx context.Context, identifier string) (*resolution, error) {
	mirror, err := s.userRepo.FindByUsername(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to find mirror by username: %w", err)
	}
	if mirror == nil {
		return nil, nil
	}

	res := &resolution{
		username:    mirror.Username,
		jfaUsername: mirror.Username,
		note:        "同期済みリモートユーザー名で特定",
	}
	if mirror.DiscordID != "" {
		res.userID = mirror.DiscordID
		inv, invErr := s.inviteRepo.FindByID(ctx, mirror.DiscordID)
		if invErr != nil {
			return nil, fmt.Errorf("failed to find invite by id: %w", invErr)
		}
		res.invite = inv
	}
	return res, nil
}

// resolveLocalDisplayName はローカル招待の表示名から解決する。
// 複数一致は曖昧さとしてエラーを返す。
func (s *Service) resolveLocalDisplayName(ctx context.Context, identifier string) (*resolution, error) {
	inv, err := s.inviteRepo.FindByUsername(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrAmbiguousUsername) {
			return nil, model.NewAmbiguousTargetError(identifier, nil)
		}
		return nil, fmt.Errorf("failed to find invite by username: %w", err)
	}
	if inv == nil {
		return nil, nil
	}

	res := &resolution{
		userID:   inv.UserID,
		username: inv.Username,
		invite:   inv,
		note:     "ローカル招待の表示名で特定",
	}
	if inv.JfaUserID != "" {
		if mirror, mErr := s.userRepo.FindByID(ctx, inv.JfaUserID); mErr == nil && mirror != nil {
			res.jfaUsername = mirror.Username
		}
	}
	return res, nil
}

// resolveForceUsername は識別子をリモートユーザー名としてそのまま使う最終手段。
// ローカルにもミラーにも痕跡が無いため、低信頼として明示する。
func (s *Service) resolveForceUsername(ctx context.Context, identifier string) (*resolution, error) {
	return &resolution{
		username:      identifier,
		jfaUsername:   identifier,
		note:          "未検証のリモートユーザー名として強制解決（低信頼）",
		lowConfidence: true,
	}, nil
}
