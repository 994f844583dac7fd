// Package camera 1台のUSBカメラへのアクセスをリースで調停する
//
// # 責務
// - デバイスの検出と接続（Discovery, Session.Connect）
// - プレビューとテストの間でのデバイス共有（Shared/Exclusiveリース）
// - ドライバーのエラーを種別付きのエラーに変換する
// - デバイスの抜き差しの検出（Watcher）
//
// # 仕様
//   - Sharedリースはフレーム取得だけができ、他のSharedと共存できる
//   - Exclusiveリースは設定変更ができ、他のすべてのリースを排除する
//   - 待機キューは1本のFIFO。キューに入ったExclusiveより後のSharedは追い越さない
//   - 切断するとすべてのリースが無効になり、待機中の呼び出しは ErrDeviceLost で戻る
//   - Release は何度呼んでもよい
//
// # ドライバー
//   - v4l2: ffmpeg で1フレームずつキャプチャし、v4l2-ctl でコントロールを設定する
//   - synthetic: テストパターンを返すプロセス内のカメラ。障害注入ができる
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - lsof: 他プロセスによるデバイス使用の検出に使用
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
