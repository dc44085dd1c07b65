package summarizer

import (
	"strings"

	"github.com/LJTian/NewsCheck/internal/storage"
)

const outputFormat = `【出力形式】
以下のJSON形式で出力してください。
{
  "summary": "全体の流れを掴むための簡潔な要約（300文字程度）。事実に基づいた具体的な内容にすること。",
  "key_points": [
    "重要なニュース項目1の具体的な内容",
    "重要なニュース項目2の具体的な内容",
    "..."
  ]
}`

const videoPrompt = `あなたはプロのニュース編集者です。提供された「YouTubeニュース動画のテキスト（字幕または説明文）」を解析し、視聴者が短時間で内容を把握できる高品質な要約を作成してください。

【注意点】
- 「この字幕テキストは...」「テレビ朝日がお届けする...」「最新ニュースをライブで...」といった、動画の内容そのものではないメタ情報や定型文、チャンネルの紹介などは、要約や重要ポイントに含めないでください。
- 放送された具体的な「事実（事件、事故、政治、経済、気象など）」にのみ焦点を当ててください。
- まだ要約すべきニュース事実がない場合は、その旨を簡潔に記述してください。
`

const articlePrompt = `あなたはプロのニュース編集者です。提供された「ニュース記事の本文」を解析し、読者が短時間で内容を把握できる高品質な要約を作成してください。

【注意点】
- 関連記事へのリンク、配信元の紹介、写真のキャプションなど、記事の内容そのものではない情報は含めないでください。
- 記事に書かれている「事実」にのみ焦点を当て、推測や評価を加えないでください。
- 日付、人数、金額などの具体的な数値は正確に残してください。
`

// BuildPrompt 按条目类型选择提示词，并附上输出格式与正文
func BuildPrompt(kind storage.Kind, text string) string {
	head := articlePrompt
	if kind == storage.KindVideo {
		head = videoPrompt
	}

	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n")
	b.WriteString(outputFormat)
	b.WriteString("\n\n対象のテキスト:\n")
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}
